package main

import (
	"chargerd/api"
	"chargerd/diagnostics"
	"chargerd/internal"
	"chargerd/internal/config"
	"chargerd/meter"
	"chargerd/metrics"
	"chargerd/metrics/counters"
	"chargerd/ocpp/client"
	"chargerd/session"
	"chargerd/telegram"
	"chargerd/transaction"
	"chargerd/types"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// lossNotifier fans a data-loss report out to the central system and, when
// configured, the operator's chat.
type lossNotifier struct {
	sender *client.Client
	bot    *telegram.TgBot
}

func (n *lossNotifier) StatusNotification(errorCode, info string) {
	n.sender.StatusNotification(errorCode, info)
	if n.bot != nil {
		n.bot.NotifyDataLoss(errorCode, info)
	}
}

func main() {
	conf, err := config.GetConfig()
	if err != nil {
		log.Println("configuration failed; exiting")
		return
	}

	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		log.Printf("unknown time zone %s, using UTC", conf.TimeZone)
		location = time.UTC
	}

	logger := internal.NewLogger(location)
	if conf.IsDebug != nil {
		logger.SetDebugMode(*conf.IsDebug)
	}

	for _, dir := range []string{conf.Storage.SessionPath, conf.Storage.TransactionPath, filepath.Dir(conf.Storage.DiagnosticsFile)} {
		if err = os.MkdirAll(dir, 0755); err != nil {
			log.Printf("creating storage directory %s: %s", dir, err)
		}
	}

	ring, err := diagnostics.NewRing(conf)
	if err != nil {
		log.Printf("diagnostics log unavailable: %s", err)
	} else {
		logger.SetSink(ring)
		defer ring.Close()
	}

	clock := internal.NewSystemClock()

	sessions := session.NewStore(conf)
	sessions.SetLogger(logger)
	sessions.SetClock(clock)

	var energyMeter *meter.ModbusMeter
	if conf.Meter.Enabled {
		energyMeter = meter.NewModbusMeter(conf)
		sessions.SetMeter(energyMeter)
		defer energyMeter.Close()
	}

	ledger := transaction.NewLedger(conf)
	ledger.SetLogger(logger)

	sender := client.NewClient(conf)
	sender.SetLogger(logger)
	sender.SetScheduler(ledger)
	sender.SetTimeListener(func(currentTime time.Time) {
		clock.MarkSynchronized()
		sessions.HoldStartTimestamp(session.FormatTime(currentTime))
	})

	var bot *telegram.TgBot
	if conf.Telegram.Enabled {
		bot, err = telegram.NewBot(conf.Telegram.ApiKey, conf.ChargePointId, conf.Telegram.ChatId)
		if err != nil {
			logger.Error("telegram bot initialization", err)
			bot = nil
		}
	}
	ledger.SetNotifier(&lossNotifier{sender: sender, bot: bot})

	// A confirmed StopTransaction is the point where the session is over for
	// good: close its file and tell the operator.
	sender.SetStopListener(func(transactionId int, reason string) {
		current := sessions.Current()
		if err := sessions.Finalize(false, "", reason); err != nil {
			logger.Error("finalizing charge session", err)
			return
		}
		counters.ObserveStoredSessions(sessions.SessionCount())
		if bot != nil && current != nil {
			bot.NotifySessionEvent(current.SessionId,
				fmt.Sprintf("transaction %d stopped (%s), %.3f kWh", transactionId, reason, current.Energy))
		}
	})

	var uploader *diagnostics.Uploader
	if ring != nil {
		uploader = diagnostics.NewUploader(ring)
		uploader.SetLogger(logger)
		uploader.SetStatusListener(sender.OnDiagnosticsStatus)
	}

	handler := api.NewApiHandler(conf.ChargePointId)
	handler.SetLogger(logger)
	handler.SetSessionSource(sessions)
	handler.SetScheduler(ledger)
	if uploader != nil {
		handler.SetDiagnostics(uploader)
	}
	if ring != nil {
		handler.SetDiagnosticsLog(ring)
	}

	apiServer := api.NewServer(conf, handler)
	apiServer.SetLogger(logger)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", err)
		}
	}()

	go func() {
		if err := metrics.Listen(conf); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", err)
		}
	}()

	if bot != nil {
		bot.SetStatusProvider(handler)
		bot.Start()
	}

	// Resume whatever a reboot interrupted before opening the connection, so
	// the first messages sent carry the recovered state.
	active, err := ledger.LoadIntoSession()
	if err != nil {
		logger.Error("loading interrupted transaction", err)
	}
	if active != nil {
		logger.FeatureEvent("transaction", fmt.Sprintf("%d", active.TransactionId),
			fmt.Sprintf("resuming transaction started at %d", active.StartTimestamp))
		if _, err = sessions.StartSession(false, ""); err != nil {
			logger.Error("resuming charge session", err)
		}
	}
	counters.ObserveStoredSessions(sessions.SessionCount())
	counters.ObservePendingMessages(ledger.MessageCount())

	sender.Start()

	if energyMeter != nil && active != nil {
		go sampleMeter(conf, sessions, ledger, sender, clock, active, logger)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.FeatureEvent("system", conf.ChargePointId, "shutting down")
	if err = sessions.SaveSession(); err != nil {
		logger.Error("saving session on shutdown", err)
	}
	// Give the logger's writer a moment to flush into the ring.
	time.Sleep(200 * time.Millisecond)
}

// sampleMeter periodically records the energy reading for the resumed
// transaction, both as a signed ledger entry and as a queued MeterValues
// message, durably when the central system is unreachable.
func sampleMeter(conf *config.Config, sessions *session.Store,
	ledger *transaction.Ledger, sender *client.Client, clock internal.Clock,
	active *transaction.ActiveTransaction, logger internal.LogHandler) {

	interval := time.Duration(conf.Meter.SampleSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	for range time.Tick(interval) {
		if err := sessions.UpdateEnergy(); err != nil {
			logger.Warn(fmt.Sprintf("energy update failed: %s", err))
			continue
		}
		current := sessions.Current()
		if current == nil {
			return
		}
		now := clock.Now()
		if err := sessions.AppendEnergyEntry(session.LabelTick, int32(now.Unix()), current.Energy); err != nil {
			logger.Warn(fmt.Sprintf("signed energy entry rejected: %s", err))
		}
		values := []types.MeterValue{{
			Timestamp: types.NewDateTime(now),
			SampledValue: []types.SampledValue{{
				Value:     fmt.Sprintf("%.0f", current.Energy*1000),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			}},
		}}
		err := ledger.EnqueueMeterValue(active.ConnectorId, active.TransactionId,
			active.StartTimestamp, now.Unix(), values, true)
		if err != nil {
			logger.Warn(fmt.Sprintf("recording meter value: %s", err))
			continue
		}
		sender.Wake()
	}
}
