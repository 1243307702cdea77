package iphb

import (
	"encoding/binary"
	"errors"
	"io"
)

// Wire protocol for the IPHB Unix-domain socket (spec.md §4.3, §6): fixed-
// size binary frames, no length prefix needed since every frame has a known
// size once the command is known.

type command uint32

const (
	cmdWait command = 0
	cmdStat command = 1
)

// reqFrame is the on-wire request, sized to cover both WAIT and STAT: STAT
// carries only the command, the remaining bytes are ignored by the server.
// Fixed at 16 bytes: cmd(4) mintime(2) maxtime(2) pid(4) wakeup(1) pad(3).
type reqFrame struct {
	Cmd     command
	MinTime uint16
	MaxTime uint16
	PID     uint32
	Wakeup  uint8
}

const reqFrameSize = 16

var errBadFrame = errors.New("iphb: malformed request frame")

func readReq(r io.Reader) (reqFrame, error) {
	var buf [reqFrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return reqFrame{}, err
	}
	var f reqFrame
	f.Cmd = command(binary.BigEndian.Uint32(buf[0:4]))
	f.MinTime = binary.BigEndian.Uint16(buf[4:6])
	f.MaxTime = binary.BigEndian.Uint16(buf[6:8])
	f.PID = binary.BigEndian.Uint32(buf[8:12])
	f.Wakeup = buf[12]
	if f.Cmd != cmdWait && f.Cmd != cmdStat {
		return reqFrame{}, errBadFrame
	}
	return f, nil
}

// waitResp is _iphb_wait_resp_t: seconds elapsed since wait_started.
type waitResp struct {
	Waited uint32
}

const waitRespSize = 4

func writeWaitResp(w io.Writer, r waitResp) error {
	var buf [waitRespSize]byte
	binary.BigEndian.PutUint32(buf[0:4], r.Waited)
	_, err := w.Write(buf[:])
	return err
}

// statsResp is iphb_stats.
type statsResp struct {
	Clients uint32
	Waiting uint32
	NextHB  uint32
}

const statsRespSize = 12

func writeStatsResp(w io.Writer, r statsResp) error {
	var buf [statsRespSize]byte
	binary.BigEndian.PutUint32(buf[0:4], r.Clients)
	binary.BigEndian.PutUint32(buf[4:8], r.Waiting)
	binary.BigEndian.PutUint32(buf[8:12], r.NextHB)
	_, err := w.Write(buf[:])
	return err
}
