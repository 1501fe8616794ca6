package defs

type Msgfl_t uint
type Fdopt_t uint

// syscall numbers follow the linux riscv64 table where one exists; the
// 3xx/5xx/6xx/2xxx ranges are local extensions.
const (
	SYS_DUP                    = 23
	SYS_DUP2                   = 24
	SYS_PAUSE                  = 34
	SYS_ALARM                  = 37
	SYS_SIGNAL                 = 48
	SYS_OPEN                   = 56
	O_RDONLY           Fdopt_t = 0
	O_WRONLY           Fdopt_t = 1
	O_RDWR             Fdopt_t = 2
	O_CREAT            Fdopt_t = 0x40
	O_EXCL             Fdopt_t = 0x80
	O_TRUNC            Fdopt_t = 0x200
	O_APPEND           Fdopt_t = 0x400
	O_NONBLOCK         Fdopt_t = 0x800
	O_DIRECTORY        Fdopt_t = 0x10000
	O_CLOEXEC          Fdopt_t = 0x80000
	SYS_CLOSE                  = 57
	SYS_PIPE2                  = 59
	SYS_LSEEK                  = 62
	SEEK_SET                   = 0
	SEEK_CUR                   = 1
	SEEK_END                   = 2
	SYS_READ                   = 63
	SYS_WRITE                  = 64
	SYS_STAT                   = 80
	SYS_FSTAT                  = 81
	SYS_EXIT                   = 93
	SYS_NANOSLEEP              = 101
	SYS_GETUID                 = 102
	SYS_GETGID                 = 104
	SYS_GETEUID                = 107
	SYS_GETEGID                = 108
	SYS_SHUTDOWN               = 110
	SYS_CLOCKGET               = 113
	CLOCK_REALTIME             = 0
	CLOCK_MONOTONIC            = 1
	SYS_YIELD                  = 124
	SYS_KILL                   = 129
	SYS_SIGACT                 = 134
	SYS_SIGPROCMASK            = 135
	SIG_BLOCK                  = 0
	SIG_UNBLOCK                = 1
	SIG_SETMASK                = 2
	SYS_SIGRETURN              = 139
	SYS_GETPRIO                = 140
	SYS_SETPRIO                = 141
	PRIO_PROCESS               = 0
	SYS_FLOCK                  = 143
	LOCK_SH                    = 1
	LOCK_EX                    = 2
	LOCK_NB                    = 4
	LOCK_UN                    = 8
	SYS_SCHED_SETSCHED         = 144
	SYS_SCHED_GETSCHED         = 145
	SCHED_CFS                  = 0
	SCHED_FIFO                 = 1
	SCHED_RR                   = 2
	SYS_SETUID                 = 146
	SYS_SETGID                 = 147
	SYS_SETEUID                = 148
	SYS_SETEGID                = 149
	SYS_GETTOD                 = 169
	SYS_GETPID                 = 172
	SYS_GETPPID                = 173
	SYS_SOCKPAIR               = 199
	SYS_BIND                   = 200
	SYS_LISTEN                 = 201
	SYS_ACCEPT                 = 202
	SYS_CONNECT                = 203
	SYS_SENDTO                 = 206
	SYS_RECVFROM               = 207
	SYS_BRK                    = 214
	SYS_SBRK                   = 215
	SYS_MUNMAP                 = 216
	SYS_FORK                   = 220
	SYS_EXEC                   = 221
	SYS_EXECVE                 = 222
	SYS_MMAP                   = 223
	SYS_WAIT4                  = 260

	// local extensions
	SYS_LISTDIR  = 500
	SYS_MKDIR    = 501
	SYS_REMOVE   = 502
	SYS_READFILE = 503
	SYS_CHDIR    = 504
	SYS_GETCWD   = 505
	SYS_MKFIFO   = 506
	SYS_CHMOD    = 507
	SYS_CHOWN    = 508

	SYS_DLOPEN  = 600
	SYS_DLSYM   = 601
	SYS_DLCLOSE = 602

	SYS_GUI_FLUSH = 310
	SYS_GUI_INFO  = 311
	SYS_GUI_MAP   = 315

	SYS_WD_ENABLE  = 2000
	SYS_WD_DISABLE = 2001
	SYS_WD_FEED    = 2002
	SYS_WD_STATUS  = 2003

	MAXSYSCALL = 2048
)

const (
	AF_UNIX = 1

	SOCK_STREAM   = 1 << 0
	SOCK_DGRAM    = 1 << 1
	SOCK_CLOEXEC  = 1 << 4
	SOCK_NONBLOCK = 1 << 5

	SHUT_WR = 1 << 0
	SHUT_RD = 1 << 1

	MSG_TRUNC  Msgfl_t = 1 << 0
	MSG_CTRUNC Msgfl_t = 1 << 1

	SOL_SOCKET = 1
	SO_SNDBUF  = 1
	SO_ERROR   = 3
	SO_RCVBUF  = 5
)

const (
	MAP_SHARED  = uint(0x1)
	MAP_PRIVATE = uint(0x2)
	MAP_FIXED   = 0x10
	MAP_ANON    = 0x20
	MAP_FAILED  = -1
	PROT_NONE   = 0x0
	PROT_READ   = 0x1
	PROT_WRITE  = 0x2
	PROT_EXEC   = 0x4
)

const (
	WAIT_ANY    = -1
	WAIT_MYPGRP = 0
	WNOHANG     = 2

	CONTINUED = 1 << 9
	EXITED    = 1 << 10
	SIGNALED  = 1 << 11
	SIGSHIFT  = 27

	F_GETFL = 1
	F_SETFL = 2
	F_GETFD = 3
	F_SETFD = 4

	POLLRDNORM = 0x1
	POLLIN     = POLLRDNORM
	POLLWRNORM = 0x8
	POLLOUT    = POLLWRNORM
	POLLERR    = 0x20
	POLLHUP    = 0x40
	POLLNVAL   = 0x80
)

func Mkexitsig(sig int) int {
	if sig < 0 || sig > 32 {
		panic("bad sig")
	}
	return sig<<SIGSHIFT | SIGNALED
}

func Mkexitcode(code int) int {
	return code&0xff | EXITED
}
