package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// CreateBridge creates a Linux bridge, assigns it the gateway address from
// cidr and brings it up. An existing bridge of the same name is reused.
func (h *Host) CreateBridge(_ context.Context, name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("get bridge %s: %w", name, err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("get bridge %s: %w", name, err)
		}
	}
	if cidr != "" {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return fmt.Errorf("parse bridge address %q: %w", cidr, err)
		}
		if err := ensureAddress(link, addr); err != nil {
			return err
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	h.logger().Debug("bridge ready", "bridge", name, "address", cidr)
	return nil
}

// DeleteBridge removes the bridge. A missing link is not an error.
func (h *Host) DeleteBridge(_ context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("get bridge %s: %w", name, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		h.logger().Debug("bring bridge down failed", "bridge", name, "error", err)
	}
	if err := netlink.LinkDel(link); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("delete bridge %s: %w", name, err)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && bytes.Equal(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

// BridgeName derives an interface name for a build. Linux limits interface
// names to 15 bytes.
func BridgeName(configured, shortID string) string {
	if configured != "" {
		return configured
	}
	name := "wb-" + shortID
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}
