package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/squarebrakets/vSMTP/helpers"
	"github.com/squarebrakets/vSMTP/mta"
	"github.com/squarebrakets/vSMTP/smtp"
	"github.com/squarebrakets/vSMTP/user"
)

type listenerConfig struct {
	Port int    `json:"port"`
	Kind string `json:"kind"`
}

type daemonConfig struct {
	Hostname  string           `json:"hostname"`
	Listeners []listenerConfig `json:"listeners"`

	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	MaxMessageSize  int64    `json:"max_message_size"`
	MaxRecipients   int      `json:"max_recipients"`
	AuthMechanisms  []string `json:"auth_mechanisms"`
	AuthRequiresTLS bool     `json:"auth_requires_tls"`

	CommandTimeout helpers.Duration `json:"command_timeout"`
	DataTimeout    helpers.Duration `json:"data_timeout"`

	Maildir    string `json:"maildir"`
	UserDBFile string `json:"user_db"`
	DisableSPF bool   `json:"disable_spf"`

	LogLevel string `json:"log_level"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		Hostname: "localhost",
		Listeners: []listenerConfig{
			{Port: 25, Kind: "relay"},
		},
		MaxMessageSize: 10 * 1024 * 1024,
		Maildir:        "./maildir",
		LogLevel:       "info",
	}
}

func connectionKind(name string) (smtp.ConnectionKind, error) {
	switch name {
	case "relay":
		return smtp.Relay, nil
	case "submission":
		return smtp.Submission, nil
	case "tunneled":
		return smtp.Tunneled, nil
	default:
		return 0, fmt.Errorf("unknown listener kind %q", name)
	}
}

func main() {
	configPath := flag.String("config", "/etc/vsmtp/vsmtp.json", "path of the configuration file")
	stdout := flag.Bool("stdout", false, "log to stdout instead of stderr")
	flag.Parse()

	config := defaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		if err := helpers.DecodeFile(*configPath, &config); err != nil {
			log.WithField("err", err).Fatal("Could not load config")
		}
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.WithField("level", config.LogLevel).Fatal("Invalid log level")
	}
	log.SetLevel(level)
	if *stdout {
		log.SetOutput(os.Stdout)
	}

	var users *user.UserDB
	if config.UserDBFile != "" {
		users, err = user.LoadDB(config.UserDBFile)
		if err != nil {
			log.WithField("err", err).Fatal("Could not load user database")
		}
	}

	var chain []mta.MessageHandler
	chain = append(chain, mta.NewReceived(config.Hostname))
	if !config.DisableSPF {
		chain = append(chain, &mta.SPF{})
	}

	deliver, err := mta.NewMaildirDeliver(config.Maildir)
	if err != nil {
		log.WithField("err", err).Fatal("Could not open maildir")
	}

	handler := mta.New(config.Hostname, users, deliver, chain...)

	var servers []*smtp.Server
	for _, lc := range config.Listeners {
		kind, err := connectionKind(lc.Kind)
		if err != nil {
			log.WithField("err", err).Fatal("Invalid listener")
		}
		server, err := smtp.NewServer(smtp.Config{
			Hostname:        config.Hostname,
			Port:            lc.Port,
			Key:             config.TLSKey,
			Cert:            config.TLSCert,
			MaxMessageSize:  config.MaxMessageSize,
			MaxRecipients:   config.MaxRecipients,
			AuthMechanisms:  config.AuthMechanisms,
			AuthRequiresTLS: config.AuthRequiresTLS,
			Timeouts: smtp.Timeouts{
				Command:         config.CommandTimeout.Std(),
				DataTermination: config.DataTimeout.Std(),
			},
			LogLevel: config.LogLevel,
		}, kind, handler)
		if err != nil {
			log.WithField("err", err).Fatal("Could not build server")
		}
		servers = append(servers, server)

		go func(s *smtp.Server, port int) {
			if err := s.ListenAndServe(); err != nil {
				log.WithFields(log.Fields{"port": port, "err": err}).Error("Server stopped")
			}
		}(server, lc.Port)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			log.WithField("err", err).Warn("Shutdown did not finish cleanly")
		}
	}
}
