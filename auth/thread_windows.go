package auth

import "golang.org/x/sys/windows"

func currentThread() uint64 { return uint64(windows.GetCurrentThreadId()) }
