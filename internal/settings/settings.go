// Package settings owns the $HAPPY_HOME_DIR layout: typed environment
// configuration and the small set of persisted JSON files (credentials,
// settings, daemon state, the Codex session map), all written atomically.
package settings

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/happy/internal/model"
)

// Env is the typed view of the process environment, loaded once at
// startup via viper (for its defaulting/typed-parse conveniences) layered
// over plain os.Getenv so no config file layer is required.
type Env struct {
	HomeDir                string        `mapstructure:"home_dir"`
	CodexHomeDir            string        `mapstructure:"codex_home_dir"`
	ServerURL               string        `mapstructure:"server_url"`
	LogLevel                string        `mapstructure:"log_level"`
	AgentFlavor             string        `mapstructure:"agent_flavor"`
	DaemonDetached          bool          `mapstructure:"daemon_detached"`
	PermissionTimeout       time.Duration `mapstructure:"permission_timeout_ms"`
	DaemonHeartbeatInterval time.Duration `mapstructure:"daemon_heartbeat_interval"`
	CodexACP                bool          `mapstructure:"codex_acp"`
	Debug                   bool          `mapstructure:"debug"`
}

// LoadEnv reads HAPPY_*/CODEX_HOME/DEBUG environment variables into a
// typed Env, applying the spec's §6.2 defaults for anything unset.
func LoadEnv() Env {
	v := viper.New()
	v.SetEnvPrefix("HAPPY")
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("home_dir", filepath.Join(home, ".happy"))
	v.SetDefault("codex_home_dir", filepath.Join(home, ".codex"))
	v.SetDefault("server_url", "https://api.happy.engineering")
	v.SetDefault("log_level", "info")
	v.SetDefault("agent_flavor", "claude-code")
	v.SetDefault("daemon_detached", true)
	v.SetDefault("permission_timeout_ms", 120000)
	v.SetDefault("daemon_heartbeat_interval", 60000)
	v.SetDefault("codex_acp", false)
	v.SetDefault("debug", false)

	// CODEX_HOME and DEBUG are unprefixed, read directly per §6.2.
	codexHome := v.GetString("codex_home_dir")
	if raw := os.Getenv("CODEX_HOME"); raw != "" {
		codexHome = raw
	}
	debug := v.GetBool("debug")
	if raw := os.Getenv("DEBUG"); raw != "" {
		debug = raw == "1" || raw == "true"
	}

	return Env{
		HomeDir:                 v.GetString("home_dir"),
		CodexHomeDir:            codexHome,
		ServerURL:               v.GetString("server_url"),
		LogLevel:                v.GetString("log_level"),
		AgentFlavor:             v.GetString("agent_flavor"),
		DaemonDetached:          v.GetBool("daemon_detached"),
		PermissionTimeout:       time.Duration(v.GetInt("permission_timeout_ms")) * time.Millisecond,
		DaemonHeartbeatInterval: time.Duration(v.GetInt("daemon_heartbeat_interval")) * time.Millisecond,
		CodexACP:                v.GetBool("codex_acp"),
		Debug:                   debug,
	}
}

// Store owns reads/writes of the files under HomeDir.
type Store struct {
	homeDir string
}

func NewStore(homeDir string) *Store {
	return &Store{homeDir: homeDir}
}

func (s *Store) HomeDir() string { return s.homeDir }

func (s *Store) path(name string) string { return filepath.Join(s.homeDir, name) }

// EnsureLayout creates HomeDir and its children if missing.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.homeDir, filepath.Join(s.homeDir, "logs"), filepath.Join(s.homeDir, "sessions")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("settings: create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) ReadCredentials() (*model.Credentials, error) {
	var c model.Credentials
	if err := readJSON(s.path("credentials.json"), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) WriteCredentials(c *model.Credentials) error {
	return writeJSONAtomic(s.path("credentials.json"), c, 0600)
}

// SettingsFile is the persisted content of settings.json (§6.5). MachineID
// is generated once by ResolveMachineID and never changes afterward — a
// machine is never renamed or reassigned.
type SettingsFile struct {
	DefaultPermissionMode      model.PermissionMode `json:"defaultPermissionMode"`
	PreferredFlavor            model.AgentFlavor    `json:"preferredFlavor"`
	MachineID                  string               `json:"machineId,omitempty"`
	MachineHost                string               `json:"machineHost,omitempty"`
	OnboardingCompleted        bool                 `json:"onboardingCompleted"`
	MachineIDConfirmedByServer bool                 `json:"machineIdConfirmedByServer"`
	Theme                      string               `json:"theme,omitempty"`
}

func (s *Store) ReadSettings() (*SettingsFile, error) {
	var f SettingsFile
	if err := readJSON(s.path("settings.json"), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) WriteSettings(f *SettingsFile) error {
	return writeJSONAtomic(s.path("settings.json"), f, 0600)
}

// ResolveMachineID returns the machine id persisted in settings.json,
// generating and persisting one on first run. Per §3's Machine invariant a
// machine is never renamed or reassigned, so once written this value is
// read back verbatim on every subsequent call regardless of hostname
// changes.
func (s *Store) ResolveMachineID(host string) (string, error) {
	f, err := s.ReadSettings()
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("settings: read settings.json: %w", err)
	}
	if f == nil {
		f = &SettingsFile{}
	}
	if f.MachineID != "" {
		return f.MachineID, nil
	}

	id, err := generateMachineID()
	if err != nil {
		return "", fmt.Errorf("settings: generate machineId: %w", err)
	}
	f.MachineID = id
	f.MachineHost = host
	if err := s.WriteSettings(f); err != nil {
		return "", fmt.Errorf("settings: persist machineId: %w", err)
	}
	return id, nil
}

func generateMachineID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "machine-" + hex.EncodeToString(buf), nil
}

func (s *Store) ReadDaemonState() (*model.DaemonStateFile, error) {
	var d model.DaemonStateFile
	if err := readJSON(s.path("daemon.state.json"), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) WriteDaemonState(d *model.DaemonStateFile) error {
	return writeJSONAtomic(s.path("daemon.state.json"), d, 0600)
}

func (s *Store) RemoveDaemonState() error {
	err := os.Remove(s.path("daemon.state.json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) ReadCodexSessionMap() (map[string]model.CodexSessionMapEntry, error) {
	m := map[string]model.CodexSessionMapEntry{}
	if err := readJSON(s.path("codex-session-map.json"), &m); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *Store) WriteCodexSessionMap(m map[string]model.CodexSessionMapEntry) error {
	return writeJSONAtomic(s.path("codex-session-map.json"), m, 0600)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeFileAtomic is the single write-temp-then-rename discipline used by
// every persisted file under HomeDir: a crash mid-write can never leave a
// half-written file at the final path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("settings: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("settings: rename temp file: %w", err)
	}
	return nil
}

func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal %s: %w", path, err)
	}
	return writeFileAtomic(path, data, perm)
}

// FreePortHint parses a "host:port" address and returns the port, or 0.
func FreePortHint(addr string) int {
	_, portStr, err := splitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return p
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("no port in address %q", addr)
}
