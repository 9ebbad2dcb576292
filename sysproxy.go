package ezproxy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnsupportedPlatform is returned by CommandSystemProxy for operations
// the current OS has no command for.
var ErrUnsupportedPlatform = errors.New("system proxy operation not supported on this platform")

// SystemProxy configures the operating system to route traffic through the
// proxy.
type SystemProxy interface {
	ProxyEnabled() bool
	EnableGlobalProxy(host string, port int) error
	DisableGlobalProxy() error

	// EnableNetworkAdaptorProxy points a single network adaptor at the
	// proxy. encoded is EncodeAdaptorAddress of host:port.
	EnableNetworkAdaptorProxy(adaptor, encoded string) error
}

// EncodeAdaptorAddress returns the upper-case hex encoding of host:port
// used for network adaptor settings.
func EncodeAdaptorAddress(host string, port int) string {
	return strings.ToUpper(hex.EncodeToString([]byte(host + ":" + strconv.Itoa(port))))
}

// MemorySystemProxy keeps system proxy state in process. It changes no OS
// settings.
type MemorySystemProxy struct {
	mu       sync.Mutex
	enabled  bool
	host     string
	port     int
	adaptors map[string]string
	applied  int
}

// NewMemorySystemProxy creates a disabled MemorySystemProxy.
func NewMemorySystemProxy() *MemorySystemProxy {
	return &MemorySystemProxy{adaptors: make(map[string]string)}
}

func (m *MemorySystemProxy) ProxyEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *MemorySystemProxy) EnableGlobalProxy(host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled, m.host, m.port = true, host, port
	return nil
}

func (m *MemorySystemProxy) DisableGlobalProxy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	return nil
}

func (m *MemorySystemProxy) EnableNetworkAdaptorProxy(adaptor, encoded string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adaptors[adaptor] = encoded
	m.applied++
	return nil
}

// Address returns the configured global proxy address.
func (m *MemorySystemProxy) Address() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host, m.port
}

// Adaptor returns the encoded address applied to adaptor and how many
// adaptor updates have been applied in total.
func (m *MemorySystemProxy) Adaptor(adaptor string) (encoded string, applied int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adaptors[adaptor], m.applied
}

// CommandRunner runs an OS command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const (
	commandTimeout      = 10 * time.Second
	windowsInternetKey  = `HKCU\Software\Microsoft\Windows\CurrentVersion\Internet Settings`
	windowsConnsKey     = windowsInternetKey + `\Connections`
	defaultMacOSService = "Wi-Fi"
)

// CommandSystemProxy changes system proxy settings with platform tools:
// networksetup on darwin, gsettings on linux and reg on windows.
type CommandSystemProxy struct {
	// GOOS selects the command set. Defaults to runtime.GOOS.
	GOOS string

	// Service is the macOS network service to configure. Defaults to
	// Wi-Fi.
	Service string

	// Run executes commands. Defaults to os/exec.
	Run CommandRunner
}

// NewCommandSystemProxy creates a CommandSystemProxy for the running OS.
func NewCommandSystemProxy() *CommandSystemProxy {
	return &CommandSystemProxy{GOOS: runtime.GOOS, Service: defaultMacOSService, Run: execRunner}
}

func (c *CommandSystemProxy) goos() string {
	if c.GOOS == "" {
		return runtime.GOOS
	}
	return c.GOOS
}

func (c *CommandSystemProxy) service() string {
	if c.Service == "" {
		return defaultMacOSService
	}
	return c.Service
}

func (c *CommandSystemProxy) run(name string, args ...string) ([]byte, error) {
	run := c.Run
	if run == nil {
		run = execRunner
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := run(ctx, name, args...)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (c *CommandSystemProxy) runAll(cmds [][]string) error {
	for _, cmd := range cmds {
		if _, err := c.run(cmd[0], cmd[1:]...); err != nil {
			return err
		}
	}
	return nil
}

// ProxyEnabled reports whether the system web proxy is switched on.
func (c *CommandSystemProxy) ProxyEnabled() bool {
	switch c.goos() {
	case "darwin":
		out, err := c.run("networksetup", "-getwebproxy", c.service())
		return err == nil && strings.Contains(string(out), "Enabled: Yes")
	case "linux":
		out, err := c.run("gsettings", "get", "org.gnome.system.proxy", "mode")
		return err == nil && strings.Contains(string(out), "manual")
	case "windows":
		out, err := c.run("reg", "query", windowsInternetKey, "/v", "ProxyEnable")
		return err == nil && strings.Contains(string(out), "0x1")
	default:
		return false
	}
}

// EnableGlobalProxy routes HTTP and HTTPS traffic through host:port.
func (c *CommandSystemProxy) EnableGlobalProxy(host string, port int) error {
	p := strconv.Itoa(port)
	switch c.goos() {
	case "darwin":
		svc := c.service()
		return c.runAll([][]string{
			{"networksetup", "-setwebproxy", svc, host, p},
			{"networksetup", "-setsecurewebproxy", svc, host, p},
			{"networksetup", "-setwebproxystate", svc, "on"},
			{"networksetup", "-setsecurewebproxystate", svc, "on"},
		})
	case "linux":
		return c.runAll([][]string{
			{"gsettings", "set", "org.gnome.system.proxy.http", "host", host},
			{"gsettings", "set", "org.gnome.system.proxy.http", "port", p},
			{"gsettings", "set", "org.gnome.system.proxy.https", "host", host},
			{"gsettings", "set", "org.gnome.system.proxy.https", "port", p},
			{"gsettings", "set", "org.gnome.system.proxy", "mode", "manual"},
		})
	case "windows":
		return c.runAll([][]string{
			{"reg", "add", windowsInternetKey, "/v", "ProxyServer", "/t", "REG_SZ", "/d", host + ":" + p, "/f"},
			{"reg", "add", windowsInternetKey, "/v", "ProxyEnable", "/t", "REG_DWORD", "/d", "1", "/f"},
		})
	default:
		return ErrUnsupportedPlatform
	}
}

// DisableGlobalProxy switches the system web proxy off.
func (c *CommandSystemProxy) DisableGlobalProxy() error {
	switch c.goos() {
	case "darwin":
		svc := c.service()
		return c.runAll([][]string{
			{"networksetup", "-setwebproxystate", svc, "off"},
			{"networksetup", "-setsecurewebproxystate", svc, "off"},
		})
	case "linux":
		return c.runAll([][]string{{"gsettings", "set", "org.gnome.system.proxy", "mode", "none"}})
	case "windows":
		return c.runAll([][]string{
			{"reg", "add", windowsInternetKey, "/v", "ProxyEnable", "/t", "REG_DWORD", "/d", "0", "/f"},
		})
	default:
		return ErrUnsupportedPlatform
	}
}

// EnableNetworkAdaptorProxy writes the encoded address into the per-adaptor
// connection settings. Only windows keeps such settings.
func (c *CommandSystemProxy) EnableNetworkAdaptorProxy(adaptor, encoded string) error {
	if c.goos() != "windows" {
		return ErrUnsupportedPlatform
	}
	return c.runAll([][]string{
		{"reg", "add", windowsConnsKey, "/v", adaptor, "/t", "REG_BINARY", "/d", encoded, "/f"},
	})
}
