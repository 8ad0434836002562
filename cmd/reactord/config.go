package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"

	"github.com/ruaan-deysel/reactor/rlog"
)

// ListenerConfig is the static list of TCP listen addresses the demo
// binary opens passively, reloaded in place when the ini file backing it
// changes on disk.
type ListenerConfig struct {
	Hostnames []string
	Port      uint16
}

// MQTTConfig mirrors the broker-fingerprint fields mqttconn.OpenConnection
// accepts, plus the topics the demo binary subscribes to on start.
type MQTTConfig struct {
	Enabled   bool
	Broker    string
	Port      uint16
	KeepAlive uint16
	Username  string
	Password  string
	Topics    []string
}

// Config is the demo binary's static configuration, loaded from an ini
// file and kept current by fsnotify as the file changes.
type Config struct {
	mu        sync.RWMutex
	Listeners ListenerConfig
	MQTT      MQTTConfig
}

// LoadConfig parses path into a Config. A missing file is not an error:
// the zero-value Config (no listeners, MQTT disabled) is returned so a
// fresh install can start from CLI flags alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := cfg.reload(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) reload(path string) error {
	file, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}

	listeners := ListenerConfig{}
	tcp := file.Section("tcp")
	if raw := tcp.Key("listen_hostnames").String(); raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				listeners.Hostnames = append(listeners.Hostnames, h)
			}
		}
	}
	listeners.Port = uint16(tcp.Key("listen_port").MustUint(0))

	mqttSec := file.Section("mqtt")
	mqtt := MQTTConfig{
		Enabled:   mqttSec.Key("enabled").MustBool(false),
		Broker:    mqttSec.Key("broker").String(),
		Port:      uint16(mqttSec.Key("port").MustUint(1883)),
		KeepAlive: uint16(mqttSec.Key("keep_alive").MustUint(400)),
		Username:  mqttSec.Key("username").String(),
		Password:  mqttSec.Key("password").String(),
	}
	if raw := mqttSec.Key("topics").String(); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				mqtt.Topics = append(mqtt.Topics, t)
			}
		}
	}

	c.mu.Lock()
	c.Listeners = listeners
	c.MQTT = mqtt
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current listener configuration, safe to
// read concurrently with a reload in progress.
func (c *Config) Snapshot() (ListenerConfig, MQTTConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Listeners, c.MQTT
}

// SetDefaultListenPort fills in a listen port when the ini file didn't
// specify one, e.g. from a CLI flag.
func (c *Config) SetDefaultListenPort(port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Listeners.Port == 0 {
		c.Listeners.Port = port
	}
}

// WatchFile re-parses path into c whenever fsnotify reports it changed,
// calling onChange after each successful reload. The watcher goroutine
// exits when stop is closed.
func WatchFile(c *Config, path string, stop <-chan struct{}, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: fsnotify: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(path); err != nil {
					rlog.Warning("config: reload %s failed: %v", path, err)
					continue
				}
				rlog.Info("config: reloaded %s", path)
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rlog.Warning("config: watcher error: %v", err)
			case <-stop:
				return
			}
		}
	}()
	return nil
}
