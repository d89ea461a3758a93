package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zathras777/rtumon/rtu"
)

func main() {
	var (
		mode     string
		cfgFn    string
		debug    bool
		response string
		request  string
	)

	flag.StringVar(&mode, "mode", "poll", "poll: send the configured requests, listen: decode traffic between another master and its slaves")
	flag.StringVar(&cfgFn, "cfg", "configuration.yaml", "Configuration file")
	flag.BoolVar(&debug, "debug", false, "Log every frame sent and received")
	flag.StringVar(&response, "decode", "", "Decode a hex response frame, print it and exit")
	flag.StringVar(&request, "request", "", "Hex request frame that -decode pairs with the response")

	flag.Parse()

	if response != "" {
		if err := decodeAndPrint(response, request); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if mode != "poll" && mode != "listen" {
		fmt.Fprintf(os.Stderr, "Unknown mode %q\n", mode)
		os.Exit(2)
	}

	fmt.Printf("Modbus RTU monitor. Reading configuration from %s\n", cfgFn)

	logwriter, e := syslog.New(syslog.LOG_DEBUG|syslog.LOG_DAEMON, "rtumon")
	if e == nil {
		log.SetOutput(logwriter)
	}

	if err := parseConfiguration(cfgFn); err != nil {
		log.Fatal(err)
	}
	appConfig.Debug = appConfig.Debug || debug

	for _, dev := range appConfig.Devices {
		if err := addStandardDevice(dev.ID); err != nil {
			log.Print(err)
		}
	}

	if appConfig.MQTT.Host != "" {
		if err := connectMQTT(); err != nil {
			log.Print(err)
		}
	}

	quitChannel := make(chan struct{})

	port, err := openPort(appConfig.Serial)
	if err != nil {
		log.Fatal(err)
	}
	defer port.Close()

	sess := newSession(port, mode == "listen", appConfig.Debug, handleExchange)
	go func() {
		if err := sess.run(quitChannel); err != nil {
			log.Printf("Session: %v", err)
		}
	}()

	if mode == "poll" {
		actions := buildActions(appConfig.Devices)
		go collect(sess, actions, appConfig.Serial.timeout(), quitChannel)
	}

	if appConfig.Server != nil {
		if err := startServer(*appConfig.Server, quitChannel); err != nil {
			log.Fatal(err)
		}
	}

	if mqttReady() {
		go startRecording(quitChannel)
	} else {
		log.Print("MQTT recording not being started")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Print("Quit signal received, exiting...")
	close(quitChannel)
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
}

func handleExchange(ex exchange) {
	if !ex.Result.Valid || ex.Result.IsError {
		log.Printf("Session: slave %d %s: %v", ex.Request[0], rtu.FunctionName(ex.Request[1]), ex.Result.Err())
	}
	storeExchange(ex.Request, ex.Result)
	publishExchange(ex)
}

func decodeAndPrint(response, request string) error {
	resp, err := rtu.ParseHex(response)
	if err != nil {
		return err
	}
	var req []byte
	if request != "" {
		if req, err = rtu.ParseHex(request); err != nil {
			return err
		}
	}
	out, err := json.MarshalIndent(rtu.Decode(resp, req), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
