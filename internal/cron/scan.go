package cron

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// PSProcessLister lists processes by shelling out to `ps`, mirroring
// security_check.py's subprocess-based posture checks rather than
// reimplementing /proc parsing per platform.
type PSProcessLister struct{}

func (PSProcessLister) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	cmd := exec.CommandContext(ctx, "ps", "-eo", "pid,user,%cpu,%mem,comm", "--no-headers")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}

	var procs []ProcessInfo
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		cpu, _ := strconv.ParseFloat(fields[2], 64)
		mem, _ := strconv.ParseFloat(fields[3], 64)
		procs = append(procs, ProcessInfo{
			PID:     fields[0],
			User:    fields[1],
			CPU:     cpu,
			Mem:     mem,
			Command: strings.Join(fields[4:], " "),
		})
	}
	return procs, nil
}

var _ ProcessLister = PSProcessLister{}

// LsofNetworkLister lists TCP sockets (listening and connected) by shelling out to
// `lsof`, the same tool security_check.py uses for port-binding checks.
type LsofNetworkLister struct{}

var lsofNameColumn = regexp.MustCompile(`^(.+):(\d+)(->.*)?$`)

func (LsofNetworkLister) ListConnections(ctx context.Context) ([]NetworkConnection, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-iTCP", "-P", "-n")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("lsof: %w", err)
	}

	var conns []NetworkConnection
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header row
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 9 {
			continue
		}
		name := fields[8]
		if !lsofNameColumn.MatchString(name) {
			continue
		}
		conns = append(conns, NetworkConnection{
			PID:     fields[1],
			Command: fields[0],
			Name:    name,
		})
	}
	return conns, nil
}

var _ NetworkLister = LsofNetworkLister{}

// FsnotifyIntegrityWatcher tracks drift on a fixed set of watched paths
// using fsnotify, so Scan is a cheap drain of accumulated events rather
// than a full re-hash walk on every heartbeat tick.
type FsnotifyIntegrityWatcher struct {
	log   *slog.Logger
	paths []string

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	changed  map[string]bool
	created  map[string]bool
	removed  map[string]bool
	firstRun bool
}

func NewFsnotifyIntegrityWatcher(log *slog.Logger, paths []string) (*FsnotifyIntegrityWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			log.Warn("could not watch path for file integrity", slog.String("path", p), slog.Any("err", err))
		}
	}

	fi := &FsnotifyIntegrityWatcher{
		log:      log,
		paths:    paths,
		watcher:  w,
		changed:  make(map[string]bool),
		created:  make(map[string]bool),
		removed:  make(map[string]bool),
		firstRun: true,
	}
	go fi.drainEvents()
	return fi, nil
}

func (fi *FsnotifyIntegrityWatcher) drainEvents() {
	for {
		select {
		case event, ok := <-fi.watcher.Events:
			if !ok {
				return
			}
			fi.mu.Lock()
			switch {
			case event.Op&fsnotify.Create != 0:
				fi.created[event.Name] = true
			case event.Op&fsnotify.Remove != 0:
				fi.removed[event.Name] = true
			case event.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
				fi.changed[event.Name] = true
			}
			fi.mu.Unlock()
		case err, ok := <-fi.watcher.Errors:
			if !ok {
				return
			}
			fi.log.Error("file integrity watcher error", slog.Any("err", err))
		}
	}
}

// Scan drains events accumulated since the last call.
func (fi *FsnotifyIntegrityWatcher) Scan(ctx context.Context) (FileIntegrityResult, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	result := FileIntegrityResult{
		FilesScanned: len(fi.paths),
		Changed:      keysOf(fi.changed),
		New:          keysOf(fi.created),
		Removed:      keysOf(fi.removed),
		IsFirstRun:   fi.firstRun,
	}
	fi.changed = make(map[string]bool)
	fi.created = make(map[string]bool)
	fi.removed = make(map[string]bool)
	fi.firstRun = false
	return result, nil
}

func (fi *FsnotifyIntegrityWatcher) Close() error {
	return fi.watcher.Close()
}

var _ FileIntegrityWatcher = (*FsnotifyIntegrityWatcher)(nil)

func keysOf(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
