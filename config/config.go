package config

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type (
	// Downloader configures the background block downloader.
	Downloader struct {
		// Slots is the maximum number of concurrent block fetches. It is
		// also the scale of the per-pin priority weighting.
		Slots int `yaml:"slots"`
		// TaskTimeout is the maximum time a single block fetch may take.
		TaskTimeout time.Duration `yaml:"taskTimeout"`
		// IdleDelay is the delay between scheduling rounds.
		IdleDelay time.Duration `yaml:"idleDelay"`
	}

	// IPFSPeer contains the configuration for additional IPFS peers
	IPFSPeer struct {
		ID        peer.ID  `yaml:"id"`
		Addresses []string `yaml:"addresses"`
	}

	// IPFSProvider contains the configuration for the IPFS provider
	IPFSProvider struct {
		BatchSize int           `yaml:"batchSize"`
		Interval  time.Duration `yaml:"interval"`
		Timeout   time.Duration `yaml:"timeout"`
	}

	// IPFS contains the configuration for the IPFS node
	IPFS struct {
		PrivateKey        string       `yaml:"privateKey"`
		ListenAddresses   []string     `yaml:"listenAddresses"`
		AnnounceAddresses []string     `yaml:"announceAddresses"`
		Peers             []IPFSPeer   `yaml:"peers"`
		Provider          IPFSProvider `yaml:"provider"`
	}

	// API contains the listen address of the API server
	API struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	}

	// Log contains the log settings
	Log struct {
		Level string `yaml:"level"`
	}

	// Config contains the configuration for pinsd
	Config struct {
		Downloader Downloader `yaml:"downloader"`
		IPFS       IPFS       `yaml:"ipfs"`
		API        API        `yaml:"api"`
		Log        Log        `yaml:"log"`
	}
)
