/**
 * Standalone signaling server for multi-party meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	runtimepprof "runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dlintw/goconf"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	signaling "github.com/strukturag/meeting-signaling"
)

var (
	version = "unreleased"

	configFlag = flag.String("config", "server.conf", "config file to use")

	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")

	memprofile = flag.String("memprofile", "", "write memory profile to file")

	showVersion = flag.Bool("version", false, "show version and quit")
)

const (
	defaultReadTimeout  = 15
	defaultWriteTimeout = 30

	initialSfuRetry = time.Second
	maxSfuRetry     = time.Second * 16
)

func createListener(addr string) (net.Listener, error) {
	if addr[0] == '/' {
		os.Remove(addr)
		return net.Listen("unix", addr)
	}

	return net.Listen("tcp", addr)
}

func createTLSListener(addr string, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	config := tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if addr[0] == '/' {
		os.Remove(addr)
		return tls.Listen("unix", addr, &config)
	}

	return tls.Listen("tcp", addr, &config)
}

type Listeners struct {
	log       *zap.Logger
	mu        sync.Mutex
	listeners []net.Listener
}

func newListeners(log *zap.Logger) *Listeners {
	return &Listeners{
		log: log,
	}
}

func (l *Listeners) Add(listener net.Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.listeners = append(l.listeners, listener)
}

func (l *Listeners) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, listener := range l.listeners {
		if err := listener.Close(); err != nil {
			l.log.Error("Error closing listener",
				zap.Any("addr", listener.Addr()),
				zap.Error(err),
			)
		}
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("meeting-signaling version %s/%s\n", version, runtime.Version())
		os.Exit(0)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	signal.Notify(sigChan, syscall.SIGHUP)
	signal.Notify(sigChan, syscall.SIGTERM)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Printf("%s\n", err)
			os.Exit(1)
		}

		if err := runtimepprof.StartCPUProfile(f); err != nil {
			fmt.Printf("Error writing CPU profile to %s: %s\n", *cpuprofile, err)
			os.Exit(1)
		}
		fmt.Printf("Writing CPU profile to %s ...\n", *cpuprofile)
		defer runtimepprof.StopCPUProfile()
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Printf("%s\n", err)
			os.Exit(1)
		}

		defer func() {
			fmt.Printf("Writing Memory profile to %s ...\n", *memprofile)
			runtime.GC()
			if err := runtimepprof.WriteHeapProfile(f); err != nil {
				fmt.Printf("Error writing Memory profile to %s: %s\n", *memprofile, err)
				os.Exit(1)
			}
		}()
	}

	fmt.Printf("Starting up version %s/%s as pid %d\n", version, runtime.Version(), os.Getpid())

	config, err := goconf.ReadConfigFile(*configFlag)
	if err != nil {
		fmt.Printf("Could not read configuration: %s\n", err)
		os.Exit(1)
	}

	var logConfig zap.Config
	if debug, _ := config.GetBool("app", "debug"); debug {
		logConfig = zap.NewDevelopmentConfig()
	} else {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	log, err := logConfig.Build(
		// Only log stack traces when panicing.
		zap.AddStacktrace(zap.DPanicLevel),
	)
	if err != nil {
		fmt.Printf("Could not create logger: %s\n", err)
		os.Exit(1)
	}

	restoreGlobalLogs := zap.ReplaceGlobals(log)
	defer restoreGlobalLogs()

	cpus := runtime.NumCPU()
	runtime.GOMAXPROCS(cpus)
	log.Debug("Using number of CPUs",
		zap.Int("cpus", cpus),
	)

	sfu, err := signaling.NewSfuGateway(config)
	if err != nil {
		log.Fatal("Could not create media engine gateway",
			zap.Error(err),
		)
	}

	sfuRetry := initialSfuRetry
	sfuRetryTimer := time.NewTimer(sfuRetry)
	for {
		err = sfu.Start(context.TODO())
		if err == nil {
			break
		}

		log.Error("Could not connect to media engine, will retry",
			zap.Duration("wait", sfuRetry),
			zap.Error(err),
		)
		sfuRetryTimer.Reset(sfuRetry)
		select {
		case sig := <-sigChan:
			if sig == os.Interrupt || sig == syscall.SIGTERM {
				log.Fatal("Cancelled")
			}
		case <-sfuRetryTimer.C:
			sfuRetry = sfuRetry * 2
			if sfuRetry > maxSfuRetry {
				sfuRetry = maxSfuRetry
			}
		}
	}
	defer sfu.Stop()

	workers := signaling.GetIntOptionWithDefault(config, "sfu", "workers", signaling.DefaultWorkerCount())
	pool, err := signaling.NewWorkerPool(context.TODO(), sfu, workers)
	if err != nil {
		log.Fatal("Could not create worker pool",
			zap.Error(err),
		)
	}
	defer pool.Close(context.TODO())
	log.Info("Created worker pool",
		zap.Int("workers", pool.Count()),
	)

	hub, err := signaling.NewHub(config, sfu, pool, version)
	if err != nil {
		log.Fatal("Could not create hub",
			zap.Error(err),
		)
	}

	go hub.Run()
	defer hub.Stop()

	r := mux.NewRouter()
	r.HandleFunc("/meeting", hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())

	if debug, _ := config.GetBool("app", "debug"); debug {
		log.Debug("Installing debug handlers in \"/debug/pprof\"")
		r.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		r.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		r.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		r.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		r.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
		for _, profile := range runtimepprof.Profiles() {
			name := profile.Name()
			r.Handle("/debug/pprof/"+name, pprof.Handler(name))
		}
	}

	listeners := newListeners(log)
	defer listeners.Close()

	if saddr, _ := signaling.GetStringOptionWithEnv(config, "https", "listen"); saddr != "" {
		cert, _ := config.GetString("https", "certificate")
		key, _ := config.GetString("https", "key")
		if cert == "" || key == "" {
			log.Fatal("Need a certificate and key for the HTTPS listener")
		}

		readTimeout := signaling.GetIntOptionWithDefault(config, "https", "readtimeout", defaultReadTimeout)
		writeTimeout := signaling.GetIntOptionWithDefault(config, "https", "writetimeout", defaultWriteTimeout)
		for _, address := range strings.Split(saddr, " ") {
			go func(address string) {
				log := log.With(zap.String("addr", address))
				log.Debug("Listening")
				listener, err := createTLSListener(address, cert, key)
				if err != nil {
					log.Fatal("Could not start listening",
						zap.Error(err),
					)
				}
				srv := &http.Server{
					Handler: r,

					ReadTimeout:  time.Duration(readTimeout) * time.Second,
					WriteTimeout: time.Duration(writeTimeout) * time.Second,
				}
				listeners.Add(listener)
				if err := srv.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
					log.Fatal("Could not start server",
						zap.Error(err),
					)
				}
			}(address)
		}
	}

	if addr, _ := signaling.GetStringOptionWithEnv(config, "http", "listen"); addr != "" {
		readTimeout := signaling.GetIntOptionWithDefault(config, "http", "readtimeout", defaultReadTimeout)
		writeTimeout := signaling.GetIntOptionWithDefault(config, "http", "writetimeout", defaultWriteTimeout)

		for _, address := range strings.Split(addr, " ") {
			go func(address string) {
				log := log.With(zap.String("addr", address))
				log.Debug("Listening")
				listener, err := createListener(address)
				if err != nil {
					log.Fatal("Could not start listening",
						zap.Error(err),
					)
				}
				srv := &http.Server{
					Handler: r,
					Addr:    address,

					ReadTimeout:  time.Duration(readTimeout) * time.Second,
					WriteTimeout: time.Duration(writeTimeout) * time.Second,
				}
				listeners.Add(listener)
				if err := srv.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
					log.Fatal("Could not start server",
						zap.Error(err),
					)
				}
			}(address)
		}
	}

loop:
	for sig := range sigChan {
		switch sig {
		case os.Interrupt, syscall.SIGTERM:
			log.Info("Interrupted")
			break loop
		case syscall.SIGHUP:
			log.Info("Received SIGHUP, reloading",
				zap.String("filename", *configFlag),
			)
			if config, err := goconf.ReadConfigFile(*configFlag); err != nil {
				log.Error("Could not read configuration",
					zap.String("filename", *configFlag),
					zap.Error(err),
				)
			} else {
				hub.Reload(config)
			}
		}
	}
}
