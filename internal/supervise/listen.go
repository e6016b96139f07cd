package supervise

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/benoitc/gunicorn-sub001/internal/env"
)

// Bind opens one listener per address. "unix:/path" binds a unix socket,
// anything else is a TCP host:port. The returned files are duplicates
// suitable for exec.Cmd.ExtraFiles.
func Bind(addrs []string) ([]net.Listener, []*os.File, error) {
	var (
		lns   []net.Listener
		files []*os.File
	)
	fail := func(err error) ([]net.Listener, []*os.File, error) {
		for _, ln := range lns {
			_ = ln.Close()
		}
		for _, f := range files {
			_ = f.Close()
		}
		return nil, nil, err
	}
	for _, addr := range addrs {
		network, address := "tcp", addr
		if p, ok := strings.CutPrefix(addr, "unix:"); ok {
			network, address = "unix", p
			_ = os.Remove(p)
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return fail(fmt.Errorf("bind %s: %w", addr, err))
		}
		lns = append(lns, ln)
		var f *os.File
		switch l := ln.(type) {
		case *net.TCPListener:
			f, err = l.File()
		case *net.UnixListener:
			f, err = l.File()
		default:
			err = fmt.Errorf("unsupported listener %T", ln)
		}
		if err != nil {
			return fail(fmt.Errorf("listener file for %s: %w", addr, err))
		}
		files = append(files, f)
	}
	return lns, files, nil
}

// Addrs reports the bound addresses in listener order.
func Addrs(lns []net.Listener) []string {
	out := make([]string, 0, len(lns))
	for _, ln := range lns {
		a := ln.Addr()
		if a.Network() == "unix" {
			out = append(out, "unix:"+a.String())
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// Inherit rebuilds n listeners passed by the arbiter from descriptor
// env.FirstListenerFD on.
func Inherit(n int) ([]net.Listener, error) {
	var out []net.Listener
	for i := range n {
		fd := uintptr(env.FirstListenerFD + i)
		f := os.NewFile(fd, fmt.Sprintf("listener-%d", i))
		if f == nil {
			return nil, fmt.Errorf("listener descriptor %d is not open", fd)
		}
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			for _, l := range out {
				_ = l.Close()
			}
			return nil, fmt.Errorf("listener descriptor %d: %w", fd, err)
		}
		out = append(out, ln)
	}
	if len(out) == 0 {
		return nil, errors.New("no listeners inherited")
	}
	return out, nil
}
