package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type pollRequest struct {
	Function uint8
	Address  uint16
	Quantity uint16
	// Value is sent instead of Quantity for functions 5 and 6.
	Value uint16
	Delay int
}

type remoteDevice struct {
	ID       byte
	Requests []pollRequest
}

type serialData struct {
	Devicename string
	Baudrate   int
	Parity     string
	Driver     string
	TimeoutMs  int `yaml:"timeout_ms"`
	// IdleMs is the silence that ends a burst of received bytes.
	IdleMs int `yaml:"idle_ms"`
}

type mqttData struct {
	Host                string
	Port                uint
	QoS                 byte
	TopicPrefix         string `yaml:"topic_prefix"`
	HassdiscoveryPrefix string `yaml:"hassdiscovery_prefix"`
}

type recordField struct {
	Name     string
	DeviceID byte `yaml:"device_id"`
	Table    byte
	Idx      int
	Units    string
	Format   string
	uid      string
	topic    string
}

type configData struct {
	Name    string
	Debug   bool
	Serial  serialData
	Server  *serialData
	MQTT    mqttData
	Devices []remoteDevice
	Fields  []recordField
}

var appConfig configData

const (
	driverGoburrow = "goburrow"
	driverTarm     = "tarm"

	defaultBaudrate  = 9600
	defaultTimeoutMs = 1000
	defaultIdleMs    = 20
	defaultMQTTPort  = 1883
)

func parseConfiguration(cfgFn string) error {
	cfgData, err := os.ReadFile(cfgFn)
	if err != nil {
		return err
	}
	cfg, err := loadConfiguration(cfgData)
	if err != nil {
		return fmt.Errorf("%s: %v", cfgFn, err)
	}
	appConfig = cfg
	return nil
}

func loadConfiguration(cfgData []byte) (cfg configData, err error) {
	if err = yaml.UnmarshalStrict(cfgData, &cfg); err != nil {
		return
	}
	if cfg.Name == "" {
		cfg.Name = "rtumon"
	}
	if err = cfg.Serial.applyDefaults(); err != nil {
		return cfg, fmt.Errorf("serial: %v", err)
	}
	if cfg.Server != nil {
		if err = cfg.Server.applyDefaults(); err != nil {
			return cfg, fmt.Errorf("server: %v", err)
		}
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = defaultMQTTPort
	}

	for _, dev := range cfg.Devices {
		for _, req := range dev.Requests {
			if err = req.validate(); err != nil {
				return cfg, fmt.Errorf("device %d: %v", dev.ID, err)
			}
		}
	}

	var newFields []recordField
	for _, fld := range cfg.Fields {
		switch fld.Format {
		case "":
			fld.Format = formatUint16
		case formatUint16, formatIeee32:
		default:
			return cfg, fmt.Errorf("field %s: unknown format %q", fld.Name, fld.Format)
		}
		switch fld.Table {
		case 0:
			fld.Table = tableInput
		case tableCoils, tableDiscrete, tableHolding, tableInput:
		default:
			return cfg, fmt.Errorf("field %s: unknown table %d", fld.Name, fld.Table)
		}
		// A float spans two registers, bit tables have none.
		if fld.Format == formatIeee32 && fld.Table != tableHolding && fld.Table != tableInput {
			return cfg, fmt.Errorf("field %s: %s needs table %d or %d", fld.Name, fld.Format, tableHolding, tableInput)
		}
		fld.uid = strings.ReplaceAll(strings.ToLower(fld.Name), " ", "_")
		fld.topic = fmt.Sprintf("%s/%s/%s/state", cfg.MQTT.TopicPrefix, cfg.Name, fld.uid)
		newFields = append(newFields, fld)
	}
	cfg.Fields = newFields
	return cfg, nil
}

func (s *serialData) applyDefaults() error {
	if s.Baudrate == 0 {
		s.Baudrate = defaultBaudrate
	}
	if s.Parity == "" {
		s.Parity = "N"
	}
	switch s.Driver {
	case "":
		s.Driver = driverGoburrow
	case driverGoburrow, driverTarm:
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = defaultTimeoutMs
	}
	if s.IdleMs <= 0 {
		s.IdleMs = defaultIdleMs
	}
	return nil
}

func (s serialData) timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s serialData) idle() time.Duration {
	return time.Duration(s.IdleMs) * time.Millisecond
}

func (r pollRequest) validate() error {
	switch r.Function {
	case 1, 2, 3, 4:
		if r.Quantity == 0 {
			return fmt.Errorf("function %d needs a quantity", r.Function)
		}
	case 5, 6:
	default:
		return fmt.Errorf("function %d cannot be polled", r.Function)
	}
	return nil
}
