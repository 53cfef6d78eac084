// Package config loads gateway connection parameters from OpenClaw's local configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/guseggert/clawgate/internal/files"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 18789

	// FileName is the config path relative to a home or project directory.
	FileName = ".openclaw/openclaw.json"

	EnvHost  = "OPENCLAW_GATEWAY_HOST"
	EnvPort  = "OPENCLAW_GATEWAY_PORT"
	EnvToken = "OPENCLAW_GATEWAY_TOKEN"
	EnvPath  = "OPENCLAW_CONFIG"
)

var ErrMissingToken = errors.New("missing gateway auth token")

// Gateway holds the parameters needed to reach the gateway.
type Gateway struct {
	Host  string
	Port  int
	Token string
	// Path is the file the values were read from, if any.
	Path string
}

func Default() Gateway {
	return Gateway{Host: DefaultHost, Port: DefaultPort}
}

// URL returns the gateway's WebSocket URL.
func (g Gateway) URL() string {
	return "ws://" + net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

func (g Gateway) Validate() error {
	if g.Token == "" {
		if g.Path != "" {
			return fmt.Errorf("%w in %s", ErrMissingToken, g.Path)
		}
		return ErrMissingToken
	}
	if g.Port <= 0 || g.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", g.Port)
	}
	if g.Host == "" {
		return errors.New("empty gateway host")
	}
	return nil
}

// fileConfig is the subset of openclaw.json this package reads.
type fileConfig struct {
	Gateway struct {
		Host *string         `json:"host"`
		Bind *string         `json:"bind"`
		Port json.RawMessage `json:"port"`
		Auth struct {
			Token *string `json:"token"`
		} `json:"auth"`
	} `json:"gateway"`
}

// Load reads path. Missing or mistyped fields fall back to defaults; only unparseable JSON is an error.
func Load(path string) (Gateway, error) {
	g := Default()
	g.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		return g, fmt.Errorf("reading gateway config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return g, fmt.Errorf("parsing gateway config %s: %w", path, err)
		}
		// a mistyped field is ignored, but the root must still be an object
		var root map[string]json.RawMessage
		if err := json.Unmarshal(b, &root); err != nil {
			return g, fmt.Errorf("parsing gateway config %s: %w", path, err)
		}
	}

	var port float64
	if err := json.Unmarshal(fc.Gateway.Port, &port); err == nil && port == float64(int(port)) && port > 0 {
		g.Port = int(port)
	}
	if fc.Gateway.Host != nil && *fc.Gateway.Host != "" {
		g.Host = *fc.Gateway.Host
	} else if fc.Gateway.Bind != nil && isIP(*fc.Gateway.Bind) {
		g.Host = *fc.Gateway.Bind
	}
	if fc.Gateway.Auth.Token != nil {
		g.Token = *fc.Gateway.Auth.Token
	}
	return g, nil
}

func isIP(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && !ip.IsUnspecified()
}

// Locate finds the config file: $OPENCLAW_CONFIG, then .openclaw/openclaw.json in dir or one of its parents,
// then in the home directory. It returns "" if none exist.
func Locate(dir string) (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	if dir != "" {
		p, err := files.FindUp(FileName, dir)
		if err != nil {
			return "", fmt.Errorf("searching for %s: %w", FileName, err)
		}
		if p != "" {
			return p, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil
	}
	p := filepath.Join(home, FileName)
	if _, err := os.Stat(p); err != nil {
		return "", nil
	}
	return p, nil
}

// FromEnv applies the OPENCLAW_GATEWAY_* overrides to g.
func FromEnv(g Gateway) (Gateway, error) {
	if h := strings.TrimSpace(os.Getenv(EnvHost)); h != "" {
		g.Host = h
	}
	if p := strings.TrimSpace(os.Getenv(EnvPort)); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return g, fmt.Errorf("parsing %s: %w", EnvPort, err)
		}
		g.Port = port
	}
	if t := strings.TrimSpace(os.Getenv(EnvToken)); t != "" {
		g.Token = t
	}
	return g, nil
}

// Discover locates and loads the config file starting from the working directory and applies env overrides.
// A missing file is not an error; the defaults are used instead.
func Discover() (Gateway, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = ""
	}
	path, err := Locate(wd)
	if err != nil {
		return Gateway{}, err
	}
	g := Default()
	if path != "" {
		g, err = Load(path)
		if err != nil {
			return Gateway{}, err
		}
	}
	return FromEnv(g)
}

// Overrides are explicit values, typically from command-line flags. Zero values leave the setting alone.
type Overrides struct {
	Host  string
	Port  int
	Token string
}

// Resolve builds the connection parameters from, in increasing precedence: defaults, the config file, the
// OPENCLAW_GATEWAY_* environment and o. With an empty path the file is discovered as in Discover; an explicit
// path must exist.
func Resolve(path string, o Overrides) (Gateway, error) {
	var (
		g   Gateway
		err error
	)
	if path != "" {
		g, err = Load(path)
		if err == nil {
			g, err = FromEnv(g)
		}
	} else {
		g, err = Discover()
	}
	if err != nil {
		return g, err
	}
	if o.Host != "" {
		g.Host = o.Host
	}
	if o.Port != 0 {
		g.Port = o.Port
	}
	if o.Token != "" {
		g.Token = o.Token
	}
	return g, nil
}
