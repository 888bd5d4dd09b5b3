// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingress

import (
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"zmed.io/zmonitor/internal/errors"
)

// Control record carried alongside the ring descriptor. 128 bytes:
//
//	type u8 (0x01) | reserved[3] | version u32 | ring-size u64 |
//	diagnostic path char[108] | pad
const (
	controlRecordSize = 128
	controlRecordType = 0x01
	diagPathOffset    = 16
	diagPathLen       = 108
)

// handshakeResult carries everything the attach produced.
type handshakeResult struct {
	fd       int
	ringSize uint64
	diagPath string
}

// handshake connects to the sensor control socket, receives the ring
// descriptor through an ancillary message, validates the control record,
// and disconnects. The socket is only needed for the handoff.
func handshake(socketPath string, timeout time.Duration) (*handshakeResult, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInfrastructure, "connecting to sensor control socket %s", socketPath)
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New(errors.KindInternal, "control socket is not a unix connection")
	}
	if err := uc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "setting handshake deadline")
	}

	buf := make([]byte, controlRecordSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "reading sensor handshake message")
	}
	if n < controlRecordSize {
		return nil, errors.Errorf(errors.KindValidation, "short control record: %d bytes", n)
	}
	if buf[0] != controlRecordType {
		return nil, errors.Errorf(errors.KindValidation, "unexpected control record type 0x%02x", buf[0])
	}

	version := binary.LittleEndian.Uint32(buf[4:])
	if version != RingVersion {
		return nil, errors.Errorf(errors.KindValidation, "unsupported handshake version %d", version)
	}
	ringSize := binary.LittleEndian.Uint64(buf[8:])

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "parsing ancillary data")
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) != 1 {
		// Close any extras so we never leak descriptors.
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, errors.Errorf(errors.KindValidation, "expected exactly one ring descriptor, got %d", len(fds))
	}

	diag := buf[diagPathOffset : diagPathOffset+diagPathLen]
	end := 0
	for end < len(diag) && diag[end] != 0 {
		end++
	}

	return &handshakeResult{
		fd:       fds[0],
		ringSize: ringSize,
		diagPath: string(diag[:end]),
	}, nil
}

// mapRing maps the ring region read-only.
func mapRing(fd int, size uint64) ([]byte, error) {
	if size < RingByteSize {
		return nil, errors.Errorf(errors.KindValidation, "advertised ring size %d below minimum %d", size, RingByteSize)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "mapping sensor ring")
	}
	return mem, nil
}

func unmapRing(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
