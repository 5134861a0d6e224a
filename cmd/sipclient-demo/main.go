// Command sipclient-demo is a small CLI exercising sipclient.Client against
// a real registrar: register, dial a target, hold/resume, then hang up. It
// follows the teacher's example/register/client flag layout and zerolog
// console setup, and cmd/proxysip's top-level wiring style.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mobilesip/sipcore/account"
	"github.com/mobilesip/sipcore/callsm"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/reconnect"
	"github.com/mobilesip/sipcore/sip"
	"github.com/mobilesip/sipcore/sipclient"
)

func main() {
	username := flag.String("u", "alice", "SIP username")
	password := flag.String("p", "alice", "SIP password")
	domain := flag.String("domain", "example.com", "Account domain / Address-of-Record host")
	registrarAddr := flag.String("registrar", "127.0.0.1:5060", "Registrar host:port the transport dials")
	target := flag.String("dial", "", "Optional sip:user@host target to call after registering")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	client := sipclient.New(sipclient.Config{
		Media: &toneMedia{},
		Sink:  listener.Func(logEvent),
		Log:   log.Logger,
	})

	acc := account.New(*username, *domain, account.Credentials{
		Username: *username,
		Password: *password,
	}, "sipclient-demo", log.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), reconnect.RegTimeout)
	defer cancel()

	cfg := reconnect.AccountConfig{
		Account:       acc,
		Registrar:     sip.Uri{User: *username, Host: *domain},
		RegistrarAddr: *registrarAddr,
		ExpirySeconds: 3600,
	}
	if err := client.AddAccount(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Fail to register account")
	}
	log.Info().Str("account", string(acc.Key())).Msg("Registered")

	if *target == "" {
		log.Info().Msg("No -dial target given, staying registered; Ctrl+C to quit")
		select {}
	}

	uri := sip.Uri{}
	if err := sip.ParseUri(*target, &uri); err != nil {
		log.Fatal().Err(err).Str("target", *target).Msg("Fail to parse dial target")
	}

	dlg, err := client.Dial(acc.Key(), uri)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to start call")
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer callCancel()
	if err := dlg.Start(callCtx); err != nil {
		log.Fatal().Err(err).Msg("Call failed")
	}
	log.Info().Str("state", dlg.State()).Msg("Call connected")

	runInteractiveShell(dlg)
}

// runInteractiveShell offers hold/resume/hangup over stdin so the demo can
// exercise the full invariant set (spec §5) against a live call.
func runInteractiveShell(dlg *callsm.Dialog) {
	fmt.Println("commands: hold, resume, bye")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		switch cmd {
		case "hold":
			err = dlg.Hold(ctx)
		case "resume":
			err = dlg.Resume(ctx)
		case "bye":
			err = dlg.Bye(ctx)
		default:
			cancel()
			fmt.Println("unknown command:", cmd)
			continue
		}
		cancel()
		if err != nil {
			log.Error().Err(err).Str("cmd", cmd).Msg("Command failed")
		} else {
			log.Info().Str("cmd", cmd).Str("state", dlg.State()).Msg("Command applied")
		}
		if cmd == "bye" {
			return
		}
	}
}

func logEvent(e listener.Event) {
	switch e.Kind {
	case listener.RegistrationStateChanged:
		log.Info().Str("account", e.AccountKey).Str("state", e.State).Msg("Registration state changed")
	case listener.IncomingCall, listener.CallRinging, listener.CallConnected:
		log.Info().Str("kind", e.Kind.String()).Str("callID", e.Call.CallID).Str("remote", e.Call.Remote).Msg("Call event")
	case listener.CallEnded, listener.CallFailed:
		log.Info().Str("kind", e.Kind.String()).Str("reason", e.Reason).Err(e.Err).Msg("Call event")
	}
}

// toneMedia is a placeholder media.Engine for the demo CLI: it never touches
// a real audio device, just produces syntactically valid SDP bodies so the
// offer/answer exchange has something to negotiate.
type toneMedia struct {
	port int
}

func (m *toneMedia) Initialize(ctx context.Context) error {
	m.port = 20000 + rand.Intn(1000)*2
	return nil
}

func (m *toneMedia) CreateOffer(ctx context.Context) (string, error) {
	return m.sdp(false), nil
}

func (m *toneMedia) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	return m.sdp(false), nil
}

func (m *toneMedia) ApplyAnswer(ctx context.Context, remoteSDP string) error {
	return nil
}

func (m *toneMedia) SetHold(ctx context.Context, hold bool) (string, error) {
	return m.sdp(hold), nil
}

func (m *toneMedia) SetMuted(ctx context.Context, muted bool) error {
	return nil
}

func (m *toneMedia) Dispose(ctx context.Context) error {
	return nil
}

func (m *toneMedia) sdp(hold bool) string {
	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}
	return fmt.Sprintf(
		"v=0\r\no=- %d %d IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio %d RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\na=%s\r\n",
		m.port, m.port, m.port, direction,
	)
}
