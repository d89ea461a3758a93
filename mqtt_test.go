package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zathras777/rtumon/rtu"
)

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakeClient struct {
	connected  bool
	connectErr error
	publishes  []publishCall
}

func (f *fakeClient) IsConnected() bool {
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool {
	return f.connected
}

func (f *fakeClient) Connect() mqtt.Token {
	if f.connectErr == nil {
		f.connected = true
	}
	return newFakeToken(f.connectErr)
}

func (f *fakeClient) Disconnect(quiesce uint) {
	f.connected = false
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.publishes = append(f.publishes, publishCall{topic: topic, qos: qos, retained: retained, payload: payload})
	return newFakeToken(nil)
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(nil)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(nil)
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	return newFakeToken(nil)
}

func (f *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool {
	return true
}

func (t *fakeToken) WaitTimeout(_ time.Duration) bool {
	return true
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

func setupTestEnvironment(t *testing.T) *registerAccess {
	t.Helper()

	devices = make(map[byte]map[byte]*registerAccess)

	cfg, err := loadConfiguration([]byte(`
name: TestDevice
mqtt:
  host: localhost
  qos: 1
  topic_prefix: prefix
  hassdiscovery_prefix: ha
fields:
  - name: Power
    device_id: 1
    idx: 0
    units: W
    format: ieee32
`))
	if err != nil {
		t.Fatalf("loadConfiguration: %v", err)
	}
	appConfig = cfg

	if err := addStandardDevice(1); err != nil {
		t.Fatalf("addStandardDevice: %v", err)
	}
	regA, modErr := getRegisterAccess(1, tableInput)
	if modErr != modbusSuccess {
		t.Fatalf("getRegisterAccess: %v", modErr)
	}
	return regA
}

func writeFloatToRegister(t *testing.T, regA *registerAccess, value float32) {
	t.Helper()
	bits := math.Float32bits(value)
	values := []uint16{uint16(bits >> 16), uint16(bits)}
	if wErr := regA.Write(appConfig.Fields[0].Idx, values); wErr != modbusSuccess {
		t.Fatalf("register write failed: %v", wErr)
	}
}

func useClient(t *testing.T, client *fakeClient) {
	t.Helper()
	mqttClient = client
	t.Cleanup(func() { mqttClient = nil })
}

func TestExecutePublishesWhenConnected(t *testing.T) {
	regA := setupTestEnvironment(t)
	writeFloatToRegister(t, regA, 12.34)

	client := &fakeClient{connected: true}
	useClient(t, client)

	if err := execute(); err != nil {
		t.Fatalf("execute returned error: %v", err)
	}

	if len(client.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.publishes))
	}

	p := client.publishes[0]
	if p.topic != "prefix/TestDevice/power/state" {
		t.Fatalf("unexpected topic: got %s", p.topic)
	}
	if !p.retained || p.qos != 1 {
		t.Fatalf("unexpected qos/retained: %d/%v", p.qos, p.retained)
	}
	payload, ok := p.payload.(string)
	if !ok {
		t.Fatalf("expected string payload, got %T", p.payload)
	}
	expectedPayload := fmt.Sprintf("%.02f", float32(12.34))
	if payload != expectedPayload {
		t.Fatalf("unexpected payload: got %s want %s", payload, expectedPayload)
	}
}

func TestExecutePublishesUint16Field(t *testing.T) {
	setupTestEnvironment(t)
	appConfig.Fields[0].Format = formatUint16
	appConfig.Fields[0].Table = tableHolding
	regA, _ := getRegisterAccess(1, tableHolding)
	regA.Write(0, []uint16{517})

	client := &fakeClient{connected: true}
	useClient(t, client)

	if err := execute(); err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if len(client.publishes) != 1 || client.publishes[0].payload != "517" {
		t.Fatalf("unexpected publishes: %+v", client.publishes)
	}
}

func TestExecuteSkipsUnknownDevice(t *testing.T) {
	setupTestEnvironment(t)
	appConfig.Fields[0].DeviceID = 9

	client := &fakeClient{connected: true}
	useClient(t, client)

	if err := execute(); err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if len(client.publishes) != 0 {
		t.Fatalf("expected no publishes, got %d", len(client.publishes))
	}
}

func TestFieldValueFloatOnBitTable(t *testing.T) {
	setupTestEnvironment(t)
	fld := appConfig.Fields[0]
	fld.Table = tableCoils

	if _, err := fieldValue(fld); err == nil {
		t.Fatal("expected an error for a float read from coils")
	}
}

func TestExecuteSkipsWhenClientDisconnected(t *testing.T) {
	regA := setupTestEnvironment(t)
	writeFloatToRegister(t, regA, 45.67)

	client := &fakeClient{connected: false}
	useClient(t, client)

	if err := execute(); err != nil {
		t.Fatalf("execute returned error: %v", err)
	}

	if len(client.publishes) != 0 {
		t.Fatalf("expected no publishes, got %d", len(client.publishes))
	}
}

func TestRegisterHAPublishesOnlyWhenConnected(t *testing.T) {
	setupTestEnvironment(t)

	client := &fakeClient{connected: false}
	useClient(t, client)

	registerHA()
	if len(client.publishes) != 0 {
		t.Fatalf("expected no publishes when disconnected, got %d", len(client.publishes))
	}

	client.connected = true
	registerHA()
	if len(client.publishes) != len(appConfig.Fields) {
		t.Fatalf("expected %d publishes, got %d", len(appConfig.Fields), len(client.publishes))
	}

	p := client.publishes[0]
	expectedTopic := fmt.Sprintf("%s/sensor/%s/%d/config", appConfig.MQTT.HassdiscoveryPrefix,
		appConfig.Name, appConfig.Fields[0].Idx)
	if p.topic != expectedTopic {
		t.Fatalf("unexpected HA topic: got %s want %s", p.topic, expectedTopic)
	}
	payloadBytes, ok := p.payload.([]byte)
	if !ok {
		t.Fatalf("expected []byte payload, got %T", p.payload)
	}
	payload := string(payloadBytes)
	for _, want := range []string{`"name":"TestDevice Power"`, `"unique_id":"power"`,
		`"state_topic":"prefix/TestDevice/power/state"`, `"icon":"hass:flash"`} {
		if !strings.Contains(payload, want) {
			t.Fatalf("expected payload to contain %s, got %s", want, payload)
		}
	}
}

func TestPublishExchange(t *testing.T) {
	setupTestEnvironment(t)
	client := &fakeClient{connected: true}
	useClient(t, client)

	request := rtu.NewRequest(1, 3, 0, 1)
	response := []byte{0x01, 0x03, 0x02, 0x00, 0x0A, 0x38, 0x43}
	publishExchange(exchange{
		Request:  request,
		Response: response,
		Result:   rtu.Decode(response, request),
		At:       time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC),
	})

	if len(client.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.publishes))
	}
	p := client.publishes[0]
	if p.topic != "prefix/TestDevice/1/3/result" {
		t.Fatalf("unexpected topic %s", p.topic)
	}
	if p.retained {
		t.Fatal("exchange results should not be retained")
	}

	var rec exchangeRecord
	if err := json.Unmarshal(p.payload.([]byte), &rec); err != nil {
		t.Fatalf("payload is not an exchange record: %v", err)
	}
	if rec.Frame != "010302000a3843" || rec.Request != "010300000001840a" {
		t.Errorf("unexpected frames: %+v", rec)
	}
	if rec.Timestamp != "2024-06-11T08:00:00Z" {
		t.Errorf("unexpected timestamp %s", rec.Timestamp)
	}
	if !rec.Result.Valid || len(rec.Result.Values) != 1 || rec.Result.Values[0] != 10 {
		t.Errorf("unexpected result %+v", rec.Result)
	}
}
