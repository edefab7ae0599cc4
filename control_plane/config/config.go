package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rack holds the fixed per-rack nodes the planner needs: where inbound pallets
// are picked up, which node clears the pickup aisle, and where a yielding
// shuttle may park.
type Rack struct {
	PickupNodeQR   string   `json:"pickup_node_qr"`
	PickupFloorID  int      `json:"pickup_floor_id"`
	SafetyNodeExit string   `json:"safety_node_exit"`
	ParkingNodes   []string `json:"parking_nodes"`
}

// Lifter maps a physical lifter to the QR it occupies on each floor it serves.
type Lifter struct {
	LifterID string         `json:"lifter_id"`
	Floors   map[int]string `json:"-"`
	// RawFloors carries the JSON form (object keys are strings).
	RawFloors map[string]string `json:"floors"`
}

// Topology is the rack configuration file.
type Topology struct {
	Racks   map[string]Rack `json:"racks"`
	Lifters []Lifter        `json:"lifters"`
}

// Config is the process configuration, read once at startup.
type Config struct {
	Port          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CatalogDSN    string
	BrokerURL     string
	BrokerUser    string
	BrokerPass    string
	ClientID      string

	Topology Topology

	SchedulerInterval  time.Duration
	DispatchInterval   time.Duration
	JanitorInterval    time.Duration
	LifterPollInterval time.Duration
}

// Load reads the environment and the rack topology file named by RACK_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		CatalogDSN:         getenv("CATALOG_DSN", "postgres://localhost:5432/warehouse"),
		BrokerURL:          getenv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		BrokerUser:         os.Getenv("MQTT_USERNAME"),
		BrokerPass:         os.Getenv("MQTT_PASSWORD"),
		ClientID:           getenv("MQTT_CLIENT_ID", "shuttle-control-plane"),
		SchedulerInterval:  getenvDuration("SCHEDULER_INTERVAL", 5*time.Second),
		DispatchInterval:   getenvDuration("DISPATCH_INTERVAL", 5*time.Second),
		JanitorInterval:    getenvDuration("PATH_JANITOR_INTERVAL", 30*time.Second),
		LifterPollInterval: getenvDuration("LIFTER_POLL_INTERVAL", 750*time.Millisecond),
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q", dbStr)
		}
		cfg.RedisDB = db
	}

	path := getenv("RACK_CONFIG", "rack_config.json")
	topo, err := LoadTopology(path)
	if err != nil {
		return nil, err
	}
	cfg.Topology = *topo
	return cfg, nil
}

// LoadTopology parses the rack configuration file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rack config %s: %w", path, err)
	}
	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse rack config %s: %w", path, err)
	}
	for i := range topo.Lifters {
		l := &topo.Lifters[i]
		l.Floors = make(map[int]string, len(l.RawFloors))
		for k, qr := range l.RawFloors {
			floor, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("lifter %s: bad floor key %q", l.LifterID, k)
			}
			l.Floors[floor] = qr
		}
	}
	return &topo, nil
}

// Rack returns a rack's node config.
func (t *Topology) Rack(rackID string) (Rack, bool) {
	r, ok := t.Racks[rackID]
	return r, ok
}

// LifterOnFloor returns the lifter serving a floor and its QR there.
func (t *Topology) LifterOnFloor(floorID int) (*Lifter, string, bool) {
	for i := range t.Lifters {
		if qr, ok := t.Lifters[i].Floors[floorID]; ok {
			return &t.Lifters[i], qr, true
		}
	}
	return nil, "", false
}

// IsLifterQR reports whether a QR on a floor is a lifter boarding node.
func (t *Topology) IsLifterQR(qr string, floorID int) bool {
	_, lifterQR, ok := t.LifterOnFloor(floorID)
	return ok && lifterQR == qr
}

// SafetyExitRack finds the rack whose safety exit node is the given QR.
func (t *Topology) SafetyExitRack(qr string) (string, bool) {
	for id, r := range t.Racks {
		if r.SafetyNodeExit == qr {
			return id, true
		}
	}
	return "", false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
