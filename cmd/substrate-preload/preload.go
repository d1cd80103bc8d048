// Command substrate-preload builds to a shared object loaded via
// LD_PRELOAD into every process spawned inside a world (spec §4.G). It
// interposes execve, open, openat, connect, and accept at the libc
// boundary, forwarding each call to the real libc implementation
// unchanged and reporting the interception to internal/telemetry for
// span emission. It is an observer only: it never denies a call, and
// any internal error degrades to silently skipping the observation.
//
// Build with:
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o substrate-preload.so ./cmd/substrate-preload
package main

/*
#cgo LDFLAGS: -ldl

#define _GNU_SOURCE
#include <dlfcn.h>
#include <fcntl.h>
#include <stdarg.h>
#include <stdlib.h>
#include <sys/socket.h>
#include <sys/types.h>
#include <unistd.h>

extern void goNotifySyscall(const char *name, const char *arg, int fd);

static int (*real_execve)(const char *, char *const[], char *const[]);
static int (*real_open)(const char *, int, ...);
static int (*real_openat)(int, const char *, int, ...);
static int (*real_connect)(int, const struct sockaddr *, socklen_t);
static int (*real_accept)(int, struct sockaddr *, socklen_t *);

__attribute__((constructor))
static void substrate_preload_resolve_symbols(void) {
	real_execve = dlsym(RTLD_NEXT, "execve");
	real_open = dlsym(RTLD_NEXT, "open");
	real_openat = dlsym(RTLD_NEXT, "openat");
	real_connect = dlsym(RTLD_NEXT, "connect");
	real_accept = dlsym(RTLD_NEXT, "accept");
}

int execve(const char *path, char *const argv[], char *const envp[]) {
	if (!real_execve) real_execve = dlsym(RTLD_NEXT, "execve");
	goNotifySyscall("execve", path, -1);
	return real_execve(path, argv, envp);
}

int open(const char *path, int flags, ...) {
	mode_t mode = 0;
	if (flags & O_CREAT) {
		va_list args;
		va_start(args, flags);
		mode = (mode_t)va_arg(args, int);
		va_end(args);
	}
	if (!real_open) real_open = dlsym(RTLD_NEXT, "open");
	goNotifySyscall("open", path, -1);
	return real_open(path, flags, mode);
}

int openat(int dirfd, const char *path, int flags, ...) {
	mode_t mode = 0;
	if (flags & O_CREAT) {
		va_list args;
		va_start(args, flags);
		mode = (mode_t)va_arg(args, int);
		va_end(args);
	}
	if (!real_openat) real_openat = dlsym(RTLD_NEXT, "openat");
	goNotifySyscall("openat", path, dirfd);
	return real_openat(dirfd, path, flags, mode);
}

int connect(int sockfd, const struct sockaddr *addr, socklen_t addrlen) {
	if (!real_connect) real_connect = dlsym(RTLD_NEXT, "connect");
	goNotifySyscall("connect", NULL, sockfd);
	return real_connect(sockfd, addr, addrlen);
}

int accept(int sockfd, struct sockaddr *addr, socklen_t *addrlen) {
	if (!real_accept) real_accept = dlsym(RTLD_NEXT, "accept");
	goNotifySyscall("accept", NULL, sockfd);
	return real_accept(sockfd, addr, addrlen);
}
*/
import "C"

import (
	"os"

	"github.com/atomize-hq/substrate/internal/telemetry"
)

func init() {
	telemetry.Init(os.Getenv("SHIM_TRACE_LOG"))
}

//export goNotifySyscall
func goNotifySyscall(name *C.char, arg *C.char, fd C.int) {
	var argStr string
	if arg != nil {
		argStr = C.GoString(arg)
	}
	telemetry.Notify(C.GoString(name), argStr, int(fd))
}

// main is required by -buildmode=c-shared but is never invoked; the
// shared object's entry points are its constructor and the
// interposed libc symbols above.
func main() {}
