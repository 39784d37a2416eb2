package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/isoreg/internal/model"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "isoreg.db"
	defaultBroadcastTimeout = 5 * time.Second
	tempRootName            = "isoreg"

	envListenAddr       = "ISOREG_LISTEN_ADDR"
	envDBPath           = "ISOREG_DB_PATH"
	envLogLevel         = "ISOREG_LOG_LEVEL"
	envTempRoot         = "ISOREG_TEMP_ROOT"
	envNodeID           = "ISOREG_NODE_ID"
	envBroadcastTimeout = "ISOREG_BROADCAST_TIMEOUT"
	envDeployDir        = "ISOREG_DEPLOY_DIR"
	envClusterFile      = "ISOREG_CLUSTER_FILE"
)

// Peer is another node of the cluster that receives refresh commands.
type Peer struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// clusterFile is the YAML document referenced by ISOREG_CLUSTER_FILE.
type clusterFile struct {
	Peers []Peer `yaml:"peers"`
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr       string
	DBPath           string
	LogLevel         slog.Level
	TempRoot         string
	NodeID           string
	BroadcastTimeout time.Duration
	DeployDir        string
	Peers            []Peer
}

// Load reads configuration from environment variables with sensible defaults.
// The cluster peer list is read from the YAML file named by ISOREG_CLUSTER_FILE
// when that variable is set.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		TempRoot:         filepath.Join(os.TempDir(), tempRootName),
		BroadcastTimeout: defaultBroadcastTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTempRoot); v != "" {
		cfg.TempRoot = v
	}
	if v := os.Getenv(envNodeID); v != "" {
		cfg.NodeID = v
	} else {
		cfg.NodeID = model.NewNodeID()
	}
	if v := os.Getenv(envBroadcastTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envBroadcastTimeout, v)
		}
		cfg.BroadcastTimeout = d
	}
	cfg.DeployDir = os.Getenv(envDeployDir)

	if path := os.Getenv(envClusterFile); path != "" {
		peers, err := loadPeers(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Peers = peers
	}

	return cfg, nil
}

// loadPeers reads the peer list from a YAML cluster file.
func loadPeers(path string) ([]Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster file: %w", err)
	}

	var cf clusterFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse cluster file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cf.Peers))
	for i, p := range cf.Peers {
		if p.ID == "" || p.URL == "" {
			return nil, fmt.Errorf("cluster file %s: peer %d needs both id and url", path, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("cluster file %s: duplicate peer id %q", path, p.ID)
		}
		seen[p.ID] = true
		cf.Peers[i].URL = strings.TrimRight(p.URL, "/")
	}
	return cf.Peers, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
