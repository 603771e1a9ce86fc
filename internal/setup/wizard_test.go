package setup

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cortexuvula/roomrelay/internal/config"
)

// noopStoreCheck skips opening the store in tests.
func noopStoreCheck(io.Writer, config.StoreConfig) {}

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef"

func testOpts(configPath string) WizardOptions {
	return WizardOptions{
		ConfigPath: configPath,
		CheckStore: noopStoreCheck,
		Secret:     func() (string, error) { return testSecret, nil },
	}
}

func wizardInput(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("custom-value\n"))

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("\n"))

	result := prompt(scanner, &out, "Enter value: ", "default-val")
	if result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader(""))

	result := prompt(scanner, &out, "Enter value: ", "fallback")
	if result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestPromptPort_Reprompts(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("abc\n70000\n8088\n"))

	if got := promptPort(scanner, &out, "Port: ", "3000"); got != "8088" {
		t.Errorf("promptPort() = %q, want 8088", got)
	}
	if strings.Count(out.String(), "Invalid port") != 2 {
		t.Errorf("expected two invalid port warnings, got:\n%s", out.String())
	}
}

func TestPromptDriver(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("mysql\nPostgres\n"))

	if got := promptDriver(scanner, &out); got != "postgres" {
		t.Errorf("promptDriver() = %q, want postgres", got)
	}
	if !strings.Contains(out.String(), `Unknown store "mysql"`) {
		t.Error("should reject unknown drivers")
	}
}

func TestGenerateConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "0.0.0.0:9000"
	cfg.Security.AuthToken = "mysecret"

	content, err := generateConfig(cfg)
	if err != nil {
		t.Fatalf("generateConfig() error: %v", err)
	}
	if !strings.HasPrefix(content, "# roomrelay configuration") {
		t.Error("config should start with the header comment")
	}
	if !strings.Contains(content, "listen_address: 0.0.0.0:9000") {
		t.Error("config should contain listen_address")
	}
	if !strings.Contains(content, "auth_token: mysecret") {
		t.Error("config should contain the auth token")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	if err := writeConfig(path, content, false, io.Discard); err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if string(data) != content {
		t.Errorf("config content = %q, want %q", string(data), content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0640 {
		t.Errorf("config permissions = %o, want 0640", info.Mode().Perm())
	}
}

func TestRunWizard_AllDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// EOF accepts every default.
	var out bytes.Buffer
	if err := RunWizard(strings.NewReader(""), &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}
	if !strings.Contains(out.String(), "Setup complete!") {
		t.Error("wizard should print completion message")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:3000" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != defaultSQLiteDSN {
		t.Errorf("store = %s %s", cfg.Store.Driver, cfg.Store.DSN)
	}
	if cfg.Security.JWTSecret != testSecret {
		t.Error("a JWT secret should be generated by default")
	}
}

func TestRunWizard_CustomValues(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// listen port, health port, store, origins, JWT secret, static token
	input := wizardInput(
		"9090",
		"9091",
		"memory",
		"https://app.example.com, http://localhost:5173",
		"n",
		"my-secret-token",
	)

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:9091" {
		t.Errorf("health.listen_address = %q", cfg.Health.ListenAddress)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://localhost:5173" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Security.JWTSecret != "" {
		t.Error("no JWT secret should be written")
	}
	if cfg.Security.AuthToken != "my-secret-token" {
		t.Errorf("auth_token = %q", cfg.Security.AuthToken)
	}
}

func TestRunWizard_PostgresRequiresDSN(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	input := wizardInput("", "", "postgres", "")
	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err == nil {
		t.Error("RunWizard() should fail without a postgres DSN")
	}
	if _, err := os.Stat(configPath); err == nil {
		t.Error("no config should be written")
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(configPath, []byte("existing"), 0640)

	// listen port, health port, store, sqlite path, origins, JWT secret,
	// static token, overwrite
	input := wizardInput("", "", "", "", "", "", "", "n")

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "existing" {
		t.Error("config should not be overwritten when user says no")
	}
	if !strings.Contains(out.String(), "Setup cancelled") {
		t.Error("should print cancellation message")
	}
}

func TestRunWizard_ExistingConfig_Overwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(configPath, []byte("old"), 0640)

	input := wizardInput("", "", "", "", "", "", "", "y")

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "listen_address") {
		t.Error("config should be overwritten with new content")
	}
}

func TestCheckStoreMemory(t *testing.T) {
	var out bytes.Buffer
	checkStore(&out, config.StoreConfig{Driver: "memory"})
	if out.Len() != 0 {
		t.Errorf("memory store check should be silent, got %q", out.String())
	}
}

func TestCheckStoreSQLite(t *testing.T) {
	var out bytes.Buffer
	checkStore(&out, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "check.db")})
	if !strings.Contains(out.String(), "sqlite store is reachable") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRandomSecret(t *testing.T) {
	a, err := randomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := randomSecret()
	if len(a) != 64 || a == b {
		t.Errorf("secrets %q %q", a, b)
	}
}

func TestCheckPortAvailable(t *testing.T) {
	_ = checkPortAvailable("127.0.0.1", "0")
}
