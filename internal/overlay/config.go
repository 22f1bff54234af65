package overlay

import "time"

// Config defines the runtime configuration for the overlay server.
type Config struct {
	Addr             string
	StatusInterval   time.Duration
	MJPEGInterval    time.Duration
	STUNServers      []string
	MaxWebRTCClients int
}

// DefaultConfig returns a loopback-only config with a 10 fps preview.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:8090",
		StatusInterval:   2 * time.Second,
		MJPEGInterval:    100 * time.Millisecond,
		MaxWebRTCClients: 2,
	}
}
