package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
)

// Config holds the RTP relay configuration
type Config struct {
	Host           string        `yaml:"host"` // capture bind address; "auto:<port>" uses the primary interface
	Swap16         bool          `yaml:"swap16"`
	Output         string        `yaml:"output"`
	Format         media.Format  `yaml:"format"`
	PlayFile       string        `yaml:"play"`
	Dest           string        `yaml:"dest"`
	PacketSize     int           `yaml:"packet_size"`
	PacketInterval time.Duration `yaml:"packet_interval"`
	PayloadType    int           `yaml:"payload_type"`
	ConvertInput   string        `yaml:"convert"`
	FFmpegPath     string        `yaml:"ffmpeg"`
	RTPPortMin     int           `yaml:"rtp_port_min"`
	RTPPortMax     int           `yaml:"rtp_port_max"`
	RecordingsPath string        `yaml:"recordings"`
	HealthAddr     string        `yaml:"health"`
	MetricsAddr    string        `yaml:"metrics"`
	APIAddr        string        `yaml:"api"`
	AudioPath      string        `yaml:"audio_path"`
	LogLevel       string        `yaml:"loglevel"`
	LogFile        string        `yaml:"log_file"`

	// ConfigFile is the YAML file the values were read from, if any.
	ConfigFile string `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Host:           "127.0.0.1:8085",
		Swap16:         true,
		Format:         media.DefaultFormat(),
		PacketSize:     media.DefaultPacketSize,
		PacketInterval: media.DefaultPacketInterval,
		PayloadType:    0,
		FFmpegPath:     "ffmpeg",
		RTPPortMin:     10000,
		RTPPortMax:     20000,
		RecordingsPath: "./recordings",
		HealthAddr:     "127.0.0.1:9091",
		MetricsAddr:    "127.0.0.1:9092",
		APIAddr:        "127.0.0.1:9093",
		AudioPath:      "./audio",
		LogLevel:       "debug",
	}
}

// Load builds the configuration from defaults, an optional YAML file given
// with -config, command line flags and environment variables, in that order
// of increasing precedence.
func Load(args []string) (*Config, error) {
	cfg := Defaults()

	// First pass only finds -config; flag values are applied after the file.
	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		path := cfg.ConfigFile
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Host = ResolveHost(cfg.Host)
	return cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("rtprelay", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Capture listen address (host:port, or auto:<port>)")
	fs.BoolVar(&cfg.Swap16, "swap16", cfg.Swap16, "Swap the byte order of 16-bit samples")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Record captured audio to this WAV file")
	fs.Func("sample-rate", fmt.Sprintf("WAV sample rate (default %d)", cfg.Format.SampleRate), func(s string) error {
		v, err := strconv.ParseUint(s, 10, 32)
		cfg.Format.SampleRate = uint32(v)
		return err
	})
	fs.Func("channels", fmt.Sprintf("WAV channel count (default %d)", cfg.Format.NumChannels), func(s string) error {
		v, err := strconv.ParseUint(s, 10, 16)
		cfg.Format.NumChannels = uint16(v)
		return err
	})
	fs.Func("bits", fmt.Sprintf("WAV bits per sample (default %d)", cfg.Format.BitsPerSample), func(s string) error {
		v, err := strconv.ParseUint(s, 10, 16)
		cfg.Format.BitsPerSample = uint16(v)
		return err
	})
	fs.StringVar(&cfg.PlayFile, "play", cfg.PlayFile, "WAV file to stream as RTP")
	fs.StringVar(&cfg.Dest, "dest", cfg.Dest, "Playback destination host:port (defaults to -host)")
	fs.IntVar(&cfg.PacketSize, "packet-size", cfg.PacketSize, "Payload bytes per RTP packet")
	fs.DurationVar(&cfg.PacketInterval, "packet-interval", cfg.PacketInterval, "Delay between packets")
	fs.IntVar(&cfg.PayloadType, "payload-type", cfg.PayloadType, "RTP payload type")
	fs.StringVar(&cfg.ConvertInput, "convert", cfg.ConvertInput, "Convert this audio file to WAV and play it")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg binary")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", cfg.RTPPortMin, "Minimum session RTP port")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", cfg.RTPPortMax, "Maximum session RTP port")
	fs.StringVar(&cfg.RecordingsPath, "recordings", cfg.RecordingsPath, "Session recordings directory")
	fs.StringVar(&cfg.HealthAddr, "health", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP control API listen address (empty disables)")
	fs.StringVar(&cfg.AudioPath, "audio-path", cfg.AudioPath, "Directory API playback files are read from")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also log to this rotating file")

	return fs
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, bits int, set func(uint64)) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, bits)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			set(n)
		}
	}

	str("RTP_HOST", &c.Host)
	if v := os.Getenv("SWAP16"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SWAP16: %w", err))
		} else {
			c.Swap16 = b
		}
	}
	str("AUDIO_OUTPUT", &c.Output)
	num("WAV_SAMPLE_RATE", 32, func(n uint64) { c.Format.SampleRate = uint32(n) })
	num("WAV_CHANNELS", 16, func(n uint64) { c.Format.NumChannels = uint16(n) })
	num("WAV_BITS_PER_SAMPLE", 16, func(n uint64) { c.Format.BitsPerSample = uint16(n) })
	str("PLAY_FILE", &c.PlayFile)
	str("RTP_DEST", &c.Dest)
	num("PACKET_SIZE", 31, func(n uint64) { c.PacketSize = int(n) })
	if v := os.Getenv("PACKET_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PACKET_INTERVAL: %w", err))
		} else {
			c.PacketInterval = d
		}
	}
	num("PAYLOAD_TYPE", 7, func(n uint64) { c.PayloadType = int(n) })
	str("CONVERT_INPUT", &c.ConvertInput)
	str("FFMPEG_PATH", &c.FFmpegPath)
	num("RTP_PORT_MIN", 16, func(n uint64) { c.RTPPortMin = int(n) })
	num("RTP_PORT_MAX", 16, func(n uint64) { c.RTPPortMax = int(n) })
	str("RECORDINGS_PATH", &c.RecordingsPath)
	str("HEALTH_ADDR", &c.HealthAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("API_ADDR", &c.APIAddr)
	str("AUDIO_PATH", &c.AudioPath)
	if v := os.Getenv("LOGLEVEL"); v != "" {
		c.LogLevel = v
	}
	str("LOG_FILE", &c.LogFile)

	return errors.Join(errs...)
}

// Validate checks the values a session cannot start without.
func (c *Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Host); err != nil || port == "" {
		return fmt.Errorf("host %q must be host:port", c.Host)
	}
	if c.Dest != "" {
		if _, _, err := net.SplitHostPort(c.Dest); err != nil {
			return fmt.Errorf("dest %q must be host:port", c.Dest)
		}
	}
	if c.PacketSize <= 0 {
		return fmt.Errorf("packet size must be positive, got %d", c.PacketSize)
	}
	if c.PacketInterval <= 0 {
		return fmt.Errorf("packet interval must be positive, got %s", c.PacketInterval)
	}
	if c.PayloadType < 0 || c.PayloadType > 127 {
		return fmt.Errorf("payload type %d out of range 0-127", c.PayloadType)
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax > 65535 || c.RTPPortMin >= c.RTPPortMax {
		return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	return nil
}

// Destination is where playback is sent: Dest, or the capture host when unset.
func (c *Config) Destination() string {
	if c.Dest != "" {
		return c.Dest
	}
	return c.Host
}

// ResolveHost replaces an "auto" host part with the primary interface IP.
func ResolveHost(hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		if strings.EqualFold(hostport, "auto") {
			return getPrimaryInterfaceIP()
		}
		return hostport
	}
	if strings.EqualFold(host, "auto") {
		return net.JoinHostPort(getPrimaryInterfaceIP(), port)
	}
	return hostport
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
