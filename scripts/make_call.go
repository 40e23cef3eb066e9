// Command make_call places a test call through the configured Twilio
// account, pointing it at the engine's voice webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/tielinehq/tieline/pkg/configutil"
	"github.com/tielinehq/tieline/pkg/transports"
	twiliotransport "github.com/tielinehq/tieline/pkg/transports/twilio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "make_call:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "examples/frontdesk/config.local.yaml", "engine config file with twilio settings")
	from := flag.String("from", "", "caller id, e.g. +15550001111")
	to := flag.String("to", "", "number to call")
	voiceURL := flag.String("voice_url", "", "override the voice webhook url")
	sendDigits := flag.String("send_digits", "", "dtmf digits to play once answered")
	callSID := flag.String("call", "", "existing call sid; plays -send_digits into it instead of dialing")
	flag.Parse()

	cfg, err := twilioSettings(*configPath)
	if err != nil {
		return err
	}

	if *callSID != "" {
		if *sendDigits == "" {
			return errors.New("-call requires -send_digits")
		}
		if err := twiliotransport.New(cfg).SendDTMF(context.Background(), *callSID, *sendDigits); err != nil {
			return err
		}
		fmt.Println("digits_sent:", *sendDigits)
		return nil
	}

	if *from == "" || *to == "" {
		return errors.New("both -from and -to are required")
	}

	dialer := twiliotransport.NewDialer(cfg)
	sid, err := dialer.DialWithOptions(context.Background(), *to, *from, *voiceURL,
		transports.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		return err
	}
	fmt.Println("call_sid:", sid)
	return nil
}

func twilioSettings(path string) (twiliotransport.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return twiliotransport.Config{}, err
	}
	var raw struct {
		Transports struct {
			Settings map[string]any `mapstructure:"settings"`
		} `mapstructure:"transports"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return twiliotransport.Config{}, err
	}
	var cfg twiliotransport.Config
	if err := configutil.DecodeSettings(raw.Transports.Settings, &cfg); err != nil {
		return twiliotransport.Config{}, err
	}
	return cfg, nil
}
