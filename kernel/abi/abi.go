// Package abi defines the values shared between the kernel and user
// programs: syscall numbers, open flags and the stat structure.
package abi

import "encoding/binary"

// Syscall numbers, passed in a7.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysPipe   = 4
	SysRead   = 5
	SysKill   = 6
	SysExec   = 7
	SysFstat  = 8
	SysChdir  = 9
	SysDup    = 10
	SysGetpid = 11
	SysSbrk   = 12
	SysSleep  = 13
	SysUptime = 14
	SysOpen   = 15
	SysWrite  = 16
	SysMknod  = 17
	SysUnlink = 18
	SysLink   = 19
	SysMkdir  = 20
	SysClose  = 21
)

// Open flags.
const (
	ORdonly = 0x000
	OWronly = 0x001
	ORdwr   = 0x002
	OCreate = 0x200
	OTrunc  = 0x400
)

// File types reported by fstat.
const (
	TDir    = 1
	TFile   = 2
	TDevice = 3
)

// StatSize is the size of Stat as laid out in user memory.
const StatSize = 24

// Stat describes a file.
type Stat struct {
	Dev   int32
	Ino   uint32
	Type  int16
	Nlink int16
	Size  uint64
}

// Marshal returns the user-memory encoding of st.
func (st Stat) Marshal() []byte {
	b := make([]byte, StatSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(st.Dev))
	binary.LittleEndian.PutUint32(b[4:], st.Ino)
	binary.LittleEndian.PutUint16(b[8:], uint16(st.Type))
	binary.LittleEndian.PutUint16(b[10:], uint16(st.Nlink))
	binary.LittleEndian.PutUint64(b[16:], st.Size)
	return b
}
