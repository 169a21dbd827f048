package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sync-state-bridge/internal/bridge"
	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/store"
	"github.com/example/sync-state-bridge/internal/types"
	"github.com/example/sync-state-bridge/internal/ws"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "gateway address to connect to")
	document := flag.String("document", "demo", "document id shared by all replicas")
	mapName := flag.String("map", "state", "shared map the stores are bound to")
	replicas := flag.Int("replicas", 10, "number of replicas to run in this process")
	messages := flag.Int("messages", 20, "number of pulses the first replica writes")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between pulses")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	latencyCh := make(chan latencySample, *replicas**messages)
	var wg sync.WaitGroup

	for i := 0; i < *replicas; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := types.ClientID(fmt.Sprintf("replica-%d-%s", id, ulid.Make()))
			replicaLogger := logger.With().Str("client", string(clientID)).Logger()

			doc := crdt.NewDoc(crdt.WithClientID(clientID), crdt.WithDocumentID(types.DocumentID(*document)), crdt.WithLogger(replicaLogger))
			defer doc.Close()

			client, err := ws.Dial(ctx, *addr, types.DocumentID(*document), doc, replicaLogger)
			if err != nil {
				replicaLogger.Error().Err(err).Msg("dial failed")
				return
			}
			defer client.Close()

			st := store.Create(bridge.Sync(doc, *mapName, bridge.WithLogger(replicaLogger))(func(store.API) store.State {
				return store.State{}
			}))
			defer st.Destroy()

			go func() {
				if err := client.Run(ctx); err != nil {
					replicaLogger.Warn().Err(err).Msg("connection lost")
				}
			}()

			if id != 0 {
				st.Subscribe(func(next, prev store.State) {
					sentAt, _ := next["pulse"].(string)
					if sentAt == "" || sentAt == prev["pulse"] {
						return
					}
					if ts, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
						select {
						case latencyCh <- latencySample{dur: time.Since(ts)}:
						default:
						}
					}
				})
				<-ctx.Done()
				return
			}

			// The first replica writes the pulses every other replica times.
			sendTicker := time.NewTicker(*interval)
			defer sendTicker.Stop()
			for j := 0; j < *messages; j++ {
				select {
				case <-ctx.Done():
					return
				case <-sendTicker.C:
					st.SetState(store.State{"pulse": time.Now().UTC().Format(time.RFC3339Nano), "pulses": int64(j + 1)})
				}
			}
			time.Sleep(*interval)
			stop()
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	close(latencyCh)
	report(latencyCh, logger)
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg propagation: %s\nMax propagation: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of pulses reached replicas within 50ms")
	}
}
