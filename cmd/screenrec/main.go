package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/api"
	"go2tv.app/screenrec/internal/catalog"
	"go2tv.app/screenrec/internal/config"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
	"go2tv.app/screenrec/recorder"
	"go2tv.app/screenrec/sink"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	exclude := flag.String("exclude", "", "comma separated application or window identifiers to hide, added to the configured list")
	listen := flag.String("listen", "", "serve the control API on this address instead of recording immediately")
	backendName := flag.String("backend", "", "capture backend: auto, portal or poll")
	dbPath := flag.String("db", "", `recording catalog path, "off" to disable`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.AddExclusions(config.SplitList(*exclude)...)
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	container, err := sink.ParseContainer(cfg.Container)
	if err != nil {
		return err
	}

	metrics.InitializeMetrics()

	backend, err := capture.New(cfg.Backend)
	if err != nil {
		return err
	}

	finished := make(chan recorder.Result, 1)
	var cat *catalog.Catalog
	if cfg.DBPath != "" && !strings.EqualFold(cfg.DBPath, "off") {
		cat, err = catalog.Open(context.Background(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer cat.Close()
	}

	rec, err := recorder.New(&recorder.Options{
		Backend:     backend,
		OpenSink:    recorder.WriterOpener(sink.Opener{FFmpegPath: cfg.FFmpegPath, QueueSize: cfg.QueueSize}),
		OutputDir:   cfg.OutputDir,
		Container:   container,
		Video:       cfg.VideoSettings(0, 0),
		MaxWidth:    cfg.MaxWidth,
		StopTimeout: cfg.StopTimeout,
		Observer: recorder.ObserverFunc(func(res recorder.Result) {
			if cat != nil {
				if err := cat.Add(context.Background(), catalogEntry(res)); err != nil {
					logging.Errorf("catalog add id=%s err=%v", res.ID, err)
				}
			}
			select {
			case finished <- res:
			default:
			}
		}),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Listen != "" {
		return serve(ctx, cfg, rec, cat)
	}
	return record(ctx, cfg, rec, finished)
}

func record(ctx context.Context, cfg *config.Config, rec *recorder.Recorder, finished <-chan recorder.Result) error {
	info, err := rec.Start(ctx, cfg.Exclude)
	if err != nil {
		return err
	}
	fmt.Println(rec.Status())
	logging.Debugf("recording id=%s display=%s size=%dx%d backend=%s", info.ID, info.Display, info.Width, info.Height, info.Backend)

	enter := make(chan struct{})
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("Press Enter to stop")
		go func() {
			_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
			close(enter)
		}()
	} else {
		fmt.Println("Press Ctrl+C to stop")
	}

	var res recorder.Result
	select {
	case <-ctx.Done():
		res, err = stopRecording(rec)
	case <-enter:
		res, err = stopRecording(rec)
	case res = <-finished:
		err = res.Err
		if err == nil && res.CaptureErr != nil {
			fmt.Fprintf(os.Stderr, "Capture stopped: %v\n", res.CaptureErr)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("Saved: %s (%s)\n", filepath.Base(res.Path), humanize.Bytes(uint64(res.SizeBytes)))
	if res.Dropped > 0 || res.AppendErrors > 0 {
		fmt.Printf("Frames: %d written, %d dropped, %d failed\n", res.Forwarded, res.Dropped, res.AppendErrors)
	}
	return nil
}

func stopRecording(rec *recorder.Recorder) (recorder.Result, error) {
	fmt.Println("Stopping...")
	res, err := rec.Stop(context.Background())
	if errors.Is(err, recorder.ErrNotRecording) {
		// A capture failure already stopped it.
		if last, ok := rec.LastResult(); ok {
			return last, last.Err
		}
	}
	return res, err
}

func serve(ctx context.Context, cfg *config.Config, rec *recorder.Recorder, cat *catalog.Catalog) error {
	var list api.Catalog
	if cat != nil {
		list = cat
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(rec, list, cfg.Exclude).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Printf("Serving control API on http://%s/api/status\n", cfg.Listen)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	if rec.Active() {
		if res, err := rec.Stop(context.Background()); err == nil {
			fmt.Printf("Saved: %s (%s)\n", filepath.Base(res.Path), humanize.Bytes(uint64(res.SizeBytes)))
		} else if !errors.Is(err, recorder.ErrNotRecording) {
			logging.Errorf("stop on shutdown err=%v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func catalogEntry(res recorder.Result) catalog.Entry {
	e := catalog.Entry{
		ID:           res.ID,
		Path:         res.Path,
		StartedAt:    res.StartedAt,
		Duration:     res.Duration,
		Frames:       res.Forwarded,
		Dropped:      res.Dropped,
		AppendErrors: res.AppendErrors,
		Status:       res.Status.String(),
		SizeBytes:    res.SizeBytes,
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}
