// Package hotplug watches udev netlink events for video4linux devices and
// reports arrivals and removals to the camera supervisor.
package hotplug

import (
	"context"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/pkg/logger"
)

// Handler receives translated events.
type Handler func(ctx context.Context, ev media.HotplugEvent)

// Monitor listens on the kernel uevent socket.
type Monitor struct {
	handler Handler
	logger  logger.Logger

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewMonitor creates a stopped monitor.
func NewMonitor(handler Handler, l logger.Logger) *Monitor {
	if l == nil {
		l = logger.Get().Named("hotplug")
	}
	return &Monitor{handler: handler, logger: l}
}

// Start connects to netlink. A connection failure is logged and
// swallowed: the service still works without hot-plug.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn(ctx, "netlink unavailable, camera hot-plug disabled", logger.Error(err))
		return nil
	}
	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.loop(ctx, conn, quit)
	m.logger.Info(ctx, "hot-plug monitor started")
	return nil
}

// Stop closes the socket. Safe on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	_ = m.conn.Close()
	m.conn = nil
	m.running = false
}

// Running reports whether the monitor is connected.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, Matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			ev, ok := Translate(uevent)
			if !ok {
				continue
			}
			m.logger.Info(ctx, "video device changed",
				logger.String("action", string(ev.Action)),
				logger.String("path", ev.Path),
				logger.String("label", ev.Label),
			)
			if m.handler != nil {
				m.handler(ctx, ev)
			}
		case err := <-errs:
			m.logger.Warn(ctx, "netlink monitor error", logger.Error(err))
		}
	}
}

// Matcher selects video4linux add and remove events.
func Matcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "video4linux"},
	})
	return rules
}

// Translate maps a uevent onto a HotplugEvent.
func Translate(uevent netlink.UEvent) (media.HotplugEvent, bool) {
	var action media.HotplugAction
	switch strings.ToLower(string(uevent.Action)) {
	case "add":
		action = media.HotplugAdd
	case "remove":
		action = media.HotplugRemove
	default:
		return media.HotplugEvent{}, false
	}
	if sub := uevent.Env["SUBSYSTEM"]; sub != "" && sub != "video4linux" {
		return media.HotplugEvent{}, false
	}
	path := devicePath(uevent)
	if path == "" {
		return media.HotplugEvent{}, false
	}
	label := uevent.Env["ID_V4L_PRODUCT"]
	if label == "" {
		label = strings.ReplaceAll(uevent.Env["ID_MODEL"], "_", " ")
	}
	return media.HotplugEvent{Action: action, Path: path, Label: label}, true
}

func devicePath(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if !strings.HasPrefix(devname, "/") {
			devname = "/dev/" + devname
		}
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		devpath = uevent.KObj
	}
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
