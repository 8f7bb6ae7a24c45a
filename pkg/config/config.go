package config

import (
	goflag "flag"
	"log"
	"strings"

	flag "github.com/spf13/pflag"
)

type (
	// Config is the root server configuration.
	Config struct {
		Server     Server
		Webrtc     Webrtc
		Monitoring Monitoring
	}
	Server struct {
		Address string
		Https   bool
		Tls     struct {
			Domain    string
			HttpsCert string
			HttpsKey  string
		}
		// MaxSenders caps the number of concurrently connected cameras.
		// Slot ids 1..MaxSenders are reused after disconnect.
		MaxSenders int
		Debug      bool
	}
	Monitoring struct {
		Port             int
		URLPrefix        string
		MetricEnabled    bool `fig:"metricEnabled"`
		ProfilingEnabled bool `fig:"profilingEnabled"`
	}
	Webrtc struct {
		DisableDefaultInterceptors bool
		DtlsRole                   byte
		IceServers                 []IceServer
		IcePorts                   struct {
			Min uint16
			Max uint16
		}
		IceIpMap   string
		IceLite    bool
		SinglePort int
		LogLevel   int
	}
	IceServer struct {
		Urls       string `json:"urls,omitempty"`
		Username   string `json:"username,omitempty"`
		Credential string `json:"credential,omitempty"`
	}
)

func (w *Webrtc) HasDtlsRole() bool   { return w.DtlsRole > 0 }
func (w *Webrtc) HasPortRange() bool  { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasSinglePort() bool { return w.SinglePort > 0 }
func (w *Webrtc) HasIceIpMap() bool   { return w.IceIpMap != "" }

// AddIceServersEnv merges ICE server credentials from the environment on
// top of the file config.
func (w *Webrtc) AddIceServersEnv() {
	cfg := Webrtc{IceServers: []IceServer{{}, {}, {}, {}, {}}}
	_ = LoadConfigEnv(&cfg)
	for i, ice := range cfg.IceServers {
		if ice.Urls == "" {
			continue
		}
		if strings.HasPrefix(ice.Urls, "turn:") || strings.HasPrefix(ice.Urls, "turns:") {
			if ice.Username == "" || ice.Credential == "" {
				log.Fatalf("TURN or TURNS servers should have both username and credential: %+v", ice)
			}
		}
		if i > len(w.IceServers)-1 {
			w.IceServers = append(w.IceServers, ice)
		} else {
			w.IceServers[i] = ice
		}
	}
}

// NewConfig parses the command-line flags, loads the config file, and
// applies environment and flag overrides, in that order.
func NewConfig() (conf Config) {
	fs := flag.CommandLine
	path := fs.StringP("config", "c", "", "Set custom configuration file path")
	debug := fs.BoolP("debug", "d", false, "Enable debug logging")
	address := fs.String("address", "", "Override the HTTP server address")
	maxSenders := fs.Int("maxSenders", 0, "Override the maximum number of camera slots")
	fs.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	conf = Config{
		Server: Server{
			Address:    ":8000",
			MaxSenders: 4,
		},
		Monitoring: Monitoring{
			Port:      6601,
			URLPrefix: "/vigil",
		},
		Webrtc: Webrtc{
			IceServers: []IceServer{{Urls: "stun:stun.l.google.com:19302"}},
		},
	}
	if err := LoadConfig(&conf, *path); err != nil {
		log.Fatal(err)
	}
	conf.Webrtc.AddIceServersEnv()

	if fs.Changed("debug") {
		conf.Server.Debug = *debug
	}
	if fs.Changed("address") {
		conf.Server.Address = *address
	}
	if fs.Changed("maxSenders") {
		conf.Server.MaxSenders = *maxSenders
	}
	return
}
