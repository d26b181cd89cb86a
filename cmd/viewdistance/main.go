package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ayusman/viewdistance/internal/app"
	"github.com/ayusman/viewdistance/internal/config"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/metrics"
	"github.com/ayusman/viewdistance/internal/server"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tray"
)

func main() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	log := logger.Named("main")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load configuration", logger.Error(err))
		os.Exit(1)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log level, using info", logger.String("level", cfg.LogLevel))
	}

	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		log.Error(ctx, "failed to create data directory", logger.Error(err))
		os.Exit(1)
	}
	st, err := store.New(dbPath)
	if err != nil {
		log.Error(ctx, "failed to initialize store", logger.String("path", dbPath), logger.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.NewManager()

	application := app.New(cfg, st, m, logger.Get())
	if err := application.Start(ctx); err != nil {
		log.Error(ctx, "failed to start capture", logger.Error(err))
		os.Exit(1)
	}
	defer application.Stop()

	sess, err := application.Session()
	if err != nil {
		log.Error(ctx, "session unavailable", logger.Error(err))
		os.Exit(1)
	}

	webDir := findWebDir()
	if webDir != "" {
		log.Info(ctx, "serving static files", logger.String("dir", webDir))
	}

	srv := server.New(server.Config{
		StaticDir: webDir,
		Store:     st,
		Session:   sess,
		Metrics:   m,
		Camera:    application.Camera(),
		Source:    application.Sampler(),
		Logger:    logger.Get(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if cfg.Tray {
		t := tray.New()
		t.OnToggle(func(tracking bool) {
			if tracking {
				if err := sess.Resume(); err != nil {
					log.Warn(ctx, "cannot resume tracking", logger.Error(err))
				}
				return
			}
			sess.Pause()
		})
		t.OnSettings(func() {
			openBrowser(localURL(cfg.Addr))
		})
		if err := application.Forward(t); err != nil {
			log.Error(ctx, "failed to connect tray", logger.Error(err))
		}
		go func() {
			select {
			case <-sigCh:
			case err := <-errCh:
				if err != nil {
					log.Error(ctx, "server failed", logger.Error(err))
				}
			}
			t.Quit()
		}()
		// The tray loop must own the main thread.
		t.Run()
	} else {
		select {
		case sig := <-sigCh:
			log.Info(ctx, "shutting down", logger.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error(ctx, "server failed", logger.Error(err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
}

// resolveDBPath places relative database paths under ~/.viewdistance.
func resolveDBPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, os.MkdirAll(filepath.Dir(p), 0755)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, ".viewdistance")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.viewdistance/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".viewdistance", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.Named("main").Warn(context.Background(), "failed to open browser", logger.Error(err))
	}
}
