package netsetup

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NamespaceConfig describes the optional diagnostics namespace: a named
// netns with a veth leg on the sandbox bridge, so guest traffic can be
// inspected without giving the host stack an address on guest networks.
type NamespaceConfig struct {
	Name     string `yaml:"name"`
	VethHost string `yaml:"veth_host"`
	VethPeer string `yaml:"veth_peer"`
	CIDR     string `yaml:"cidr"`
}

// DefaultNamespaceConfig pairs with DefaultConfig.
var DefaultNamespaceConfig = NamespaceConfig{
	Name:     "kiln-mon",
	VethHost: "veth-kiln-br",
	VethPeer: "veth-kiln-ns",
	CIDR:     "10.73.0.2/24",
}

// SetupNamespace creates the namespace and wires its veth leg onto the
// bridge named in cfg. Idempotent like Setup.
func SetupNamespace(cfg Config, nsCfg NamespaceConfig, logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if nsCfg.Name == "" || nsCfg.VethHost == "" || nsCfg.VethPeer == "" {
		return errors.New("namespace name and veth pair are required")
	}
	nsAddr, err := netlink.ParseAddr(nsCfg.CIDR)
	if err != nil {
		return fmt.Errorf("parse namespace CIDR: %w", err)
	}

	logger.Info("preparing diagnostics namespace", "namespace", nsCfg.Name, "bridge", cfg.BridgeName)

	hostHandle, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("host netlink handle: %w", err)
	}
	defer hostHandle.Close()

	nsHandle, ns, err := ensureNetns(nsCfg.Name)
	if err != nil {
		return err
	}
	defer nsHandle.Close()
	defer ns.Close()

	hostLink, err := hostHandle.LinkByName(nsCfg.VethHost)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup %s: %w", nsCfg.VethHost, err)
		}
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: nsCfg.VethHost},
			PeerName:  nsCfg.VethPeer,
		}
		if err := hostHandle.LinkAdd(veth); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create veth: %w", err)
		}
		hostLink, err = hostHandle.LinkByName(nsCfg.VethHost)
		if err != nil {
			return fmt.Errorf("lookup veth host: %w", err)
		}
	}

	if _, err := nsHandle.LinkByName(nsCfg.VethPeer); err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup ns peer: %w", err)
		}
		peerLink, err := hostHandle.LinkByName(nsCfg.VethPeer)
		if err != nil {
			return fmt.Errorf("peer link %s: %w", nsCfg.VethPeer, err)
		}
		if err := hostHandle.LinkSetNsFd(peerLink, int(ns)); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("move %s to namespace: %w", nsCfg.VethPeer, err)
		}
	}

	brLink, err := hostHandle.LinkByName(cfg.BridgeName)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", cfg.BridgeName, err)
	}
	if err := hostHandle.LinkSetMaster(hostLink, brLink); err != nil && !errors.Is(err, syscall.EEXIST) && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("enslave %s to %s: %w", nsCfg.VethHost, cfg.BridgeName, err)
	}
	if err := hostHandle.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bring %s up: %w", nsCfg.VethHost, err)
	}

	return configureNamespaceLinks(nsHandle, nsCfg, nsAddr)
}

// TeardownNamespace deletes the named namespace; the veth pair goes with
// it. A missing namespace is not an error.
func TeardownNamespace(nsCfg NamespaceConfig, logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if nsCfg.Name == "" {
		return errors.New("namespace name is required")
	}
	if err := netns.DeleteNamed(nsCfg.Name); err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return nil
		}
		return fmt.Errorf("delete netns %s: %w", nsCfg.Name, err)
	}
	logger.Info("removed diagnostics namespace", "namespace", nsCfg.Name)
	return nil
}

func ensureNetns(name string) (*netlink.Handle, netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, 0, fmt.Errorf("get netns %s: %w", name, err)
		}
		if ns, err = netns.NewNamed(name); err != nil {
			return nil, 0, fmt.Errorf("create netns %s: %w", name, err)
		}
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, 0, fmt.Errorf("handle for netns %s: %w", name, err)
	}
	return handle, ns, nil
}

func configureNamespaceLinks(nsHandle *netlink.Handle, nsCfg NamespaceConfig, addr *netlink.Addr) error {
	if lo, err := nsHandle.LinkByName("lo"); err == nil {
		if err := nsHandle.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring lo up: %w", err)
		}
	}
	nsVeth, err := nsHandle.LinkByName(nsCfg.VethPeer)
	if err != nil {
		return fmt.Errorf("ns veth %s: %w", nsCfg.VethPeer, err)
	}
	if err := nsHandle.LinkSetUp(nsVeth); err != nil {
		return fmt.Errorf("bring %s up: %w", nsCfg.VethPeer, err)
	}
	if err := nsHandle.AddrReplace(nsVeth, addr); err != nil {
		return fmt.Errorf("assign %s: %w", addr, err)
	}
	return nil
}
