package main

import "time"

// Config is the on-disk configuration for the CLI, loaded with
// github.com/BurntSushi/toml. Struct-with-toml-tags plus a custom
// UnmarshalText duration type is grounded on
// tjohn327-deadline_aware_multipath/config.go.
type Config struct {
	DataPort      uint     `toml:"data_port"`
	DiscoveryPort uint     `toml:"discovery_port"`
	StoreDir      string   `toml:"store_dir"`
	DownloadDir   string   `toml:"download_dir"`
	RendezvousTTL duration `toml:"rendezvous_timeout"`
	Quiet         bool     `toml:"quiet"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// defaultConfig returns the configuration used when no config file is given.
func defaultConfig() Config {
	return Config{
		DataPort:      8080,
		DiscoveryPort: 8888,
		StoreDir:      ".sonicshare-store",
		DownloadDir:   ".",
		RendezvousTTL: duration{5 * time.Second},
		Quiet:         false,
	}
}
