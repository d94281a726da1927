/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.zx2c4.com/wireguard-engine/conn"
	"golang.zx2c4.com/wireguard-engine/ipc"
	"golang.zx2c4.com/wireguard-engine/tunnel"
)

// IPCError carries a POSIX errno constant back to a control-plane client
// (spec.md §4.6's `errno=<n>` response), grounded on the teacher's
// device/uapi.go IPCError.
type IPCError struct {
	errno int64
}

func (e *IPCError) ErrorCode() int64 { return e.errno }
func (e *IPCError) Error() string    { return fmt.Sprintf("ipc error %d", e.errno) }

func ipcError(errno int64) *IPCError { return &IPCError{errno: errno} }

// routineAcceptUAPI accepts control-plane connections one at a time; each
// connection carries exactly one command (spec.md §4.6 "A single
// connection carries one command").
func (device *Device) routineAcceptUAPI() {
	defer device.state.stopping.Done()

	for {
		c, err := device.uapiListener.Accept()
		if err != nil {
			select {
			case <-device.closeSignal:
				return
			default:
				device.log.Error.Printf("failed to accept control connection: %v", err)
				return
			}
		}
		go device.handleUAPIConn(c)
	}
}

func (device *Device) handleUAPIConn(c net.Conn) {
	defer c.Close()

	reader := bufio.NewReader(c)
	op, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch op {
	case "get=1\n":
		err := device.ipcGetOperation(c)
		writeErrno(c, err)
	case "set=1\n":
		err := device.ipcSetOperation(reader)
		writeErrno(c, err)
	default:
		writeErrno(c, ipcError(ipc.IpcErrorProtocol))
	}
}

func writeErrno(w io.Writer, err error) {
	if err == nil {
		fmt.Fprintf(w, "errno=0\n\n")
		return
	}
	if ipcErr, ok := err.(*IPCError); ok {
		fmt.Fprintf(w, "errno=%d\n\n", ipcErr.ErrorCode())
		return
	}
	fmt.Fprintf(w, "errno=%d\n\n", ipc.IpcErrorIO)
}

// ipcGetOperation serializes the device's current configuration (spec.md
// §4.6 "`get=1`"). A minimal device with nothing configured yet replies
// with no data lines at all, matching the spec's "minimal implementation
// may reply errno=0 with no data".
func (device *Device) ipcGetOperation(w io.Writer) error {
	device.staticIdentity.RLock()
	privateKey := device.staticIdentity.privateKey
	device.staticIdentity.RUnlock()

	var b strings.Builder
	if !privateKey.IsZero() {
		fmt.Fprintf(&b, "private_key=%s\n", privateKey.ToHex())
	}

	device.net.RLock()
	port := device.net.port
	fwmark := device.net.fwmark
	device.net.RUnlock()
	if port != 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", port)
	}
	if fwmark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", fwmark)
	}

	device.peers.RLock()
	peers := make([]*Peer, 0, len(device.peers.byKey))
	for _, peer := range device.peers.byKey {
		peers = append(peers, peer)
	}
	device.peers.RUnlock()

	for _, peer := range peers {
		peer.mutex.Lock()
		fmt.Fprintf(&b, "public_key=%s\n", peer.publicKey.ToHex())
		if endpoint := peer.Endpoint(); endpoint != nil {
			fmt.Fprintf(&b, "endpoint=%s\n", endpoint.String())
		}
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", peer.persistentKeepaliveInterval.Load())
		fmt.Fprintf(&b, "tx_bytes=%d\n", atomic.LoadUint64(&peer.stats.txBytes))
		fmt.Fprintf(&b, "rx_bytes=%d\n", atomic.LoadUint64(&peer.stats.rxBytes))
		peer.mutex.Unlock()

		for _, prefix := range device.router.EntriesForPeer(peer) {
			fmt.Fprintf(&b, "allowed_ip=%s\n", prefix.String())
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// peerConfig accumulates one public_key sub-block while it is being parsed,
// committed to the device only once the block ends (spec.md §4.6).
type peerConfig struct {
	peer              *Peer
	publicKey         tunnel.NoisePublicKey
	remove            bool
	presharedKey      *tunnel.NoiseSymmetricKey
	endpoint          *net.UDPAddr
	keepaliveSeconds  *uint16
	replaceAllowedIPs bool
	allowedIPs        []net.IPNet
}

// ipcSetOperation applies a set=1 command (spec.md §4.6). Malformed lines
// abort the whole command with EPROTO/EINVAL; a partially-applied device
// mutation up to that point is not rolled back, matching the teacher's own
// uapi.go (and original_source), which commits each key as it is parsed.
func (device *Device) ipcSetOperation(reader *bufio.Reader) error {
	var current *peerConfig

	commit := func() error {
		if current == nil {
			return nil
		}
		device.commitPeerConfig(current)
		current = nil
		return nil
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return ipcError(ipc.IpcErrorProtocol)
		}

		switch key {
		case "private_key":
			if err := commit(); err != nil {
				return err
			}
			var sk tunnel.NoisePrivateKey
			if value == "" {
				sk = tunnel.NoisePrivateKey{}
			} else if err := sk.FromHex(value); err != nil {
				return ipcError(ipc.IpcErrorInvalid)
			}
			if err := device.SetPrivateKey(sk); err != nil {
				return ipcError(ipc.IpcErrorInvalid)
			}

		case "listen_port":
			if err := commit(); err != nil {
				return err
			}
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return ipcError(ipc.IpcErrorInvalid)
			}
			if err := device.BindUpdate(uint16(port)); err != nil {
				if errors.Is(err, syscall.EADDRINUSE) {
					return ipcError(ipc.IpcErrorPortInUse)
				}
				return ipcError(ipc.IpcErrorIO)
			}

		case "fwmark":
			if err := commit(); err != nil {
				return err
			}
			mark, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return ipcError(ipc.IpcErrorInvalid)
			}
			if err := device.BindSetMark(uint32(mark)); err != nil {
				return ipcError(ipc.IpcErrorIO)
			}

		case "replace_peers":
			if err := commit(); err != nil {
				return err
			}
			switch value {
			case "true":
				device.RemoveAllPeers()
			case "false":
			default:
				return ipcError(ipc.IpcErrorInvalid)
			}

		case "public_key":
			if err := commit(); err != nil {
				return err
			}
			var pk tunnel.NoisePublicKey
			if err := pk.FromHex(value); err != nil {
				return ipcError(ipc.IpcErrorInvalid)
			}
			current = &peerConfig{publicKey: pk}
			device.peers.RLock()
			current.peer = device.peers.byKey[pk]
			device.peers.RUnlock()

		default:
			if current == nil {
				return ipcError(ipc.IpcErrorInvalid)
			}
			if err := applyPeerKey(current, key, value); err != nil {
				return err
			}
		}
	}

	return commit()
}

func applyPeerKey(cfg *peerConfig, key, value string) error {
	switch key {
	case "remove":
		switch value {
		case "true":
			cfg.remove = true
		case "false":
		default:
			return ipcError(ipc.IpcErrorInvalid)
		}
	case "preshared_key":
		var psk tunnel.NoiseSymmetricKey
		if value != "" {
			if err := psk.FromHex(value); err != nil {
				return ipcError(ipc.IpcErrorInvalid)
			}
		}
		cfg.presharedKey = &psk
	case "endpoint":
		addr, err := conn.ParseEndpoint(value)
		if err != nil {
			return ipcError(ipc.IpcErrorInvalid)
		}
		cfg.endpoint = addr
	case "persistent_keepalive_interval":
		secs, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcError(ipc.IpcErrorInvalid)
		}
		v := uint16(secs)
		cfg.keepaliveSeconds = &v
	case "replace_allowed_ips":
		switch value {
		case "true":
			cfg.replaceAllowedIPs = true
		case "false":
		default:
			return ipcError(ipc.IpcErrorInvalid)
		}
	case "allowed_ip":
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return ipcError(ipc.IpcErrorInvalid)
		}
		cfg.allowedIPs = append(cfg.allowedIPs, *network)
	case "protocol_version":
		if value != "1" {
			return ipcError(ipc.IpcErrorInvalid)
		}
	default:
		return ipcError(ipc.IpcErrorInvalid)
	}
	return nil
}

// commitPeerConfig applies one parsed peer sub-block to the device
// (spec.md §4.6 "On blank line after a peer block, the accumulated
// PeerConfig is committed").
func (device *Device) commitPeerConfig(cfg *peerConfig) {
	if cfg.remove {
		if cfg.peer != nil {
			device.RemovePeer(cfg.publicKey)
		}
		return
	}

	if cfg.presharedKey != nil {
		device.staticIdentity.Lock()
		device.staticIdentity.presharedKeys[cfg.publicKey] = *cfg.presharedKey
		device.staticIdentity.Unlock()
	}

	peer := cfg.peer
	if peer == nil {
		var err error
		peer, err = device.NewPeer(cfg.publicKey)
		if err != nil {
			device.log.Error.Printf("failed to add peer: %v", err)
			return
		}
	} else if cfg.presharedKey != nil {
		// peer already exists: NewPeer only reads staticIdentity.presharedKeys
		// once, at construction, so an updated PSK must be pushed into the
		// already-running tunnel directly (spec.md §4.6 "preshared_key").
		peer.SetPresharedKey(*cfg.presharedKey)
	}

	if cfg.endpoint != nil {
		peer.SetEndpoint(cfg.endpoint)
	}
	if cfg.keepaliveSeconds != nil {
		peer.SetPersistentKeepalive(time.Duration(*cfg.keepaliveSeconds) * time.Second)
	}
	if cfg.replaceAllowedIPs {
		device.router.RemoveByPeer(peer)
	}
	for _, prefix := range cfg.allowedIPs {
		ones, bits := prefix.Mask.Size()
		ip := prefix.IP
		switch bits {
		case 32:
			ip = ip.To4()
		case 128:
			ip = ip.To16()
		}
		device.router.Insert(ip, uint(ones), peer)
	}
}

