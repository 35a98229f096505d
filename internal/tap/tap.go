// Package tap implements the link-layer transport side of the §6 send/receive
// contract: a Linux TAP device carrying raw Ethernet frames in and out of the
// router, one per configured [iface.Interface].
package tap

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

const safamilyHW6 = 1

// Device is an open TAP interface. Reads and writes carry whole Ethernet
// frames, no extra packet-info header (IFF_NO_PI).
type Device struct {
	fd   int
	name string
}

// Open creates (or attaches to) the named TAP device. If prefix is valid
// the device is brought up and assigned that address via the `ip` CLI,
// mirroring how the reference router's setup script wires TAP devices
// before the process starts reading from them.
func Open(name string, prefix netip.Prefix) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("tap: interface name too long")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}
	ifr := newIfreq(name)
	ifr.setFlags(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := ioctl(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF: %w", err)
	}
	dev := &Device{fd: fd, name: name}
	if prefix.IsValid() {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("tap: ip link set up: %w", err)
		}
		if err := exec.Command("ip", "addr", "add", prefix.String(), "dev", name).Run(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("tap: ip addr add: %w", err)
		}
	}
	return dev, nil
}

// Name returns the interface name the device was opened with.
func (d *Device) Name() string { return d.name }

// Read reads a single frame off the device into b.
func (d *Device) Read(b []byte) (int, error) { return unix.Read(d.fd, b) }

// Write writes a single frame to the device.
func (d *Device) Write(b []byte) (int, error) { return unix.Write(d.fd, b) }

// Close releases the underlying file descriptor.
func (d *Device) Close() error { return unix.Close(d.fd) }

// MTU queries the kernel for the device's current MTU.
func (d *Device) MTU() (int, error) {
	sock, err := socket()
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	ifr := newIfreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFMTU, ifr.ptr()); err != nil {
		return 0, fmt.Errorf("tap: SIOCGIFMTU: %w", err)
	}
	return int(*(*int32)(unsafe.Pointer(&ifr.data[0]))), nil
}

// HardwareAddr queries the kernel for the device's MAC address.
func (d *Device) HardwareAddr() (hw [6]byte, err error) {
	sock, err := socket()
	if err != nil {
		return hw, err
	}
	defer unix.Close(sock)
	ifr := newIfreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFHWADDR, ifr.ptr()); err != nil {
		return hw, fmt.Errorf("tap: SIOCGIFHWADDR: %w", err)
	}
	family := *(*uint16)(unsafe.Pointer(&ifr.data[0]))
	if family != safamilyHW6 {
		return hw, fmt.Errorf("tap: unexpected sa_family %d for hw addr", family)
	}
	copy(hw[:], ifr.data[2:8])
	return hw, nil
}

// IPMask queries the kernel for the device's currently assigned address
// and netmask, returned together as a prefix.
func (d *Device) IPMask() (netip.Prefix, error) {
	sock, err := socket()
	if err != nil {
		return netip.Prefix{}, err
	}
	defer unix.Close(sock)

	addrIfr := newIfreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFADDR, addrIfr.ptr()); err != nil {
		return netip.Prefix{}, fmt.Errorf("tap: SIOCGIFADDR: %w", err)
	}
	addr, ok := netip.AddrFromSlice(addrIfr.data[4:8])
	if !ok {
		return netip.Prefix{}, errors.New("tap: malformed address from kernel")
	}

	maskIfr := newIfreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFNETMASK, maskIfr.ptr()); err != nil {
		return netip.Prefix{}, fmt.Errorf("tap: SIOCGIFNETMASK: %w", err)
	}
	ones := bits.OnesCount32(uint32(maskIfr.data[4])<<24 | uint32(maskIfr.data[5])<<16 | uint32(maskIfr.data[6])<<8 | uint32(maskIfr.data[7]))
	return netip.PrefixFrom(addr, ones), nil
}

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("tap: socket: %w", err)
	}
	return fd, nil
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ifreq mirrors struct ifreq from <net/if.h>: a fixed interface-name field
// followed by a union big enough for the ioctls this package issues.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

func newIfreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (ifr *ifreq) setFlags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&ifr.data[0])) = flags
}

func (ifr *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(ifr) }
