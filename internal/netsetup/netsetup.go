// Package netsetup prepares the isolated host bridge that sandbox NICs
// attach to. The bridge deliberately has no uplink and forwarding stays
// off, so a compromised guest can talk to the host channel and nothing
// else.
package netsetup

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Config captures the parameters of the sandbox bridge.
type Config struct {
	BridgeName  string `yaml:"bridge_name"`
	GatewayCIDR string `yaml:"gateway_cidr"`
}

// DefaultConfig matches the network name baked into the domain template.
var DefaultConfig = Config{
	BridgeName:  "kiln-isolated",
	GatewayCIDR: "10.73.0.1/24",
}

// Validate reports configuration errors before any netlink call is made.
func (c Config) Validate() error {
	if c.BridgeName == "" {
		return errors.New("bridge name is required")
	}
	if len(c.BridgeName) > unix.IFNAMSIZ-1 {
		return fmt.Errorf("bridge name %q exceeds interface name limit", c.BridgeName)
	}
	if _, err := netlink.ParseAddr(c.GatewayCIDR); err != nil {
		return fmt.Errorf("parse gateway CIDR: %w", err)
	}
	return nil
}

// Setup creates the bridge if missing, assigns the gateway address and
// brings the link up. It is idempotent and safe to re-run.
func Setup(cfg Config, logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	gateway, err := netlink.ParseAddr(cfg.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse gateway CIDR: %w", err)
	}

	logger.Info("preparing sandbox bridge", "bridge", cfg.BridgeName, "gateway", cfg.GatewayCIDR)

	link, err := netlink.LinkByName(cfg.BridgeName)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup bridge %s: %w", cfg.BridgeName, err)
		}
		br := &netlink.Bridge{
			LinkAttrs: netlink.LinkAttrs{Name: cfg.BridgeName},
		}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", cfg.BridgeName, err)
		}
		link, err = netlink.LinkByName(cfg.BridgeName)
		if err != nil {
			return fmt.Errorf("get bridge %s: %w", cfg.BridgeName, err)
		}
	}

	if err := ensureAddress(link, gateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.BridgeName, err)
	}

	// The bridge must never route guest traffic anywhere.
	if err := writeSysctl(forwardingSysctl(cfg.BridgeName), "0"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disable forwarding on %s: %w", cfg.BridgeName, err)
	}
	return nil
}

// Teardown removes the bridge. A missing bridge is not an error.
func Teardown(cfg Config, logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if cfg.BridgeName == "" {
		return errors.New("bridge name is required")
	}

	link, err := netlink.LinkByName(cfg.BridgeName)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup bridge %s: %w", cfg.BridgeName, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete bridge %s: %w", cfg.BridgeName, err)
	}
	logger.Info("removed sandbox bridge", "bridge", cfg.BridgeName)
	return nil
}

// Verify checks that the bridge exists, is up, and carries the gateway
// address. Sandbox start aborts when this fails.
func Verify(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	gateway, err := netlink.ParseAddr(cfg.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse gateway CIDR: %w", err)
	}

	var link netlink.Link
	for i := 0; i < 20; i++ {
		link, err = netlink.LinkByName(cfg.BridgeName)
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("bridge %s not found: %w", cfg.BridgeName, err)
	}

	if link.Attrs().OperState == netlink.OperDown {
		return fmt.Errorf("bridge %s is down", cfg.BridgeName)
	}

	addrs, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", cfg.BridgeName, err)
	}
	for _, a := range addrs {
		if a.IP.Equal(gateway.IP) && masksEqual(a.Mask, gateway.Mask) {
			return nil
		}
	}
	return fmt.Errorf("bridge %s does not carry %s", cfg.BridgeName, cfg.GatewayCIDR)
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && masksEqual(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("network setup requires root")
	}
	return nil
}

func forwardingSysctl(bridge string) string {
	return "/proc/sys/net/ipv4/conf/" + bridge + "/forwarding"
}

func writeSysctl(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func masksEqual(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
