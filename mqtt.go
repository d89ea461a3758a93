package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/zathras777/modbusdev"

	"github.com/zathras777/rtumon/rtu"
)

const (
	formatUint16 = "uint16"
	formatIeee32 = "ieee32"
)

var (
	val        modbusdev.Value
	mqttClient mqtt.Client
)

func mqttReady() bool {
	return mqttClient != nil && mqttClient.IsConnected()
}

// execute publishes the current value of every configured field.
func execute() error {
	if !mqttReady() {
		return nil
	}
	for _, fld := range appConfig.Fields {
		payload, err := fieldValue(fld)
		if err != nil {
			log.Printf("MQTT: %s: %v", fld.Name, err)
			continue
		}
		token := mqttClient.Publish(fld.topic, appConfig.MQTT.QoS, true, payload)
		token.Wait()
	}
	return nil
}

func fieldValue(fld recordField) (string, error) {
	regA, mErr := getRegisterAccess(fld.DeviceID, fld.Table)
	if mErr != modbusSuccess {
		return "", mErr
	}
	switch fld.Format {
	case formatIeee32:
		data, mErr := regA.Read(fld.Idx, 2)
		if mErr != modbusSuccess {
			return "", fmt.Errorf("unable to access index %d: %v", fld.Idx, mErr)
		}
		if len(data) < 5 {
			return "", fmt.Errorf("index %d of table %d does not hold a float", fld.Idx, fld.Table)
		}
		val.FormatBytes(formatIeee32, data[1:])
		return fmt.Sprintf("%.02f", val.Ieee32), nil
	default:
		return fmt.Sprintf("%d", regA.Values(fld.Idx, 1)[0]), nil
	}
}

type exchangeRecord struct {
	Timestamp    string     `json:"timestamp"`
	SlaveAddress uint8      `json:"slaveAddress"`
	FunctionCode uint8      `json:"functionCode"`
	Request      string     `json:"request"`
	Frame        string     `json:"frame"`
	Result       rtu.Result `json:"result"`
}

func exchangeTopic(ex exchange) string {
	return fmt.Sprintf("%s/%s/%d/%d/result", appConfig.MQTT.TopicPrefix, appConfig.Name, ex.Request[0], ex.Request[1])
}

// publishExchange sends one decoded exchange as JSON. Results are not
// retained; they describe a moment, not a state.
func publishExchange(ex exchange) {
	if !mqttReady() || len(ex.Request) < 2 {
		return
	}
	rec := exchangeRecord{
		Timestamp:    ex.At.Format(time.RFC3339Nano),
		SlaveAddress: ex.Request[0],
		FunctionCode: ex.Request[1],
		Request:      rtu.HexString(ex.Request),
		Frame:        rtu.HexString(ex.Response),
		Result:       ex.Result,
	}
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		log.Printf("MQTT: unable to encode exchange: %v", err)
		return
	}
	mqttClient.Publish(exchangeTopic(ex), appConfig.MQTT.QoS, false, jsonBytes)
}

// connectMQTT must run before any goroutine that publishes.
func connectMQTT() error {
	mqOpts := mqtt.NewClientOptions()
	mqOpts.AddBroker(fmt.Sprintf("tcp://%s:%d", appConfig.MQTT.Host, appConfig.MQTT.Port))
	mqOpts.SetClientID(appConfig.Name)
	mqOpts.SetAutoReconnect(true)

	client := mqtt.NewClient(mqOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("unable to connect to the MQTT server on %s: %v", appConfig.MQTT.Host, token.Error())
	}
	mqttClient = client
	return nil
}

func startRecording(quit <-chan struct{}) {
	registerHA()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if err := execute(); err != nil {
				log.Print(err)
			}
		}
	}
}

func registerHA() {
	if !mqttReady() {
		return
	}
	type hassAdvert struct {
		Name              string `json:"name"`
		UniqueID          string `json:"unique_id"`
		Icon              string `json:"icon,omitempty"`
		StateTopic        string `json:"state_topic"`
		UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	}
	for _, fld := range appConfig.Fields {
		haData := hassAdvert{
			Name:              fmt.Sprintf("%s %s", appConfig.Name, fld.Name),
			StateTopic:        fld.topic,
			UniqueID:          fld.uid,
			UnitOfMeasurement: fld.Units}
		switch fld.Units {
		case "W", "kWh":
			haData.Icon = "hass:flash"
		}
		jsonBytes, err := json.Marshal(haData)
		if err != nil {
			log.Printf("MQTT: unable to encode HA json: %s", err)
			continue
		}
		mqttClient.Publish(fmt.Sprintf("%s/sensor/%s/%d/config", appConfig.MQTT.HassdiscoveryPrefix,
			appConfig.Name, fld.Idx), appConfig.MQTT.QoS, true, jsonBytes)
	}
}
