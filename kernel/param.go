package kernel

const (
	// NPROC is the capacity of the process table.
	NPROC = 64

	// NCPU is the maximum number of harts the kernel will drive.
	NCPU = 8

	// NOFILE is the number of open files per process.
	NOFILE = 16

	// NFILE is the number of open files per system.
	NFILE = 100

	// NINODE is the maximum number of active in-memory inodes.
	NINODE = 50

	// NDEV is the number of device major numbers.
	NDEV = 10

	// ROOTDEV is the device number of the file system root disk.
	ROOTDEV = 1

	// MAXARG is the maximum number of exec arguments.
	MAXARG = 32

	// MAXPATH is the maximum file path name.
	MAXPATH = 128
)
