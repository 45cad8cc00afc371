// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// keyPair names the on-disk paths of a CA certificate and an optional
// client certificate/key pair used for mutual TLS.
type keyPair struct {
	caPath   string
	certPath string
	keyPath  string
}

func (k keyPair) load() (*x509.CertPool, *tls.Certificate, error) {
	var pool *x509.CertPool
	if k.caPath != "" {
		pem, err := os.ReadFile(k.caPath)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: failed reading CA cert: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("kafka: no certificates found in %q", k.caPath)
		}
	}
	var cert *tls.Certificate
	if k.certPath != "" && k.keyPath != "" {
		pair, err := tls.LoadX509KeyPair(k.certPath, k.keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: failed loading client key pair: %w", err)
		}
		cert = &pair
	}
	return pool, cert, nil
}

// newCertReloadingDialer returns a dial function that re-reads the CA and
// client certificate files every reloadInterval, so a certificate rotated
// on disk is picked up without restarting the process. base is cloned for
// every dial; its ServerName and InsecureSkipVerify are preserved.
func newCertReloadingDialer(caPath, certPath, keyPath string, reloadInterval time.Duration, base *tls.Config) (func(ctx context.Context, network, address string) (net.Conn, error), error) {
	kp := keyPair{caPath: caPath, certPath: certPath, keyPath: keyPath}
	pool, cert, err := kp.load()
	if err != nil {
		return nil, err
	}

	state := &reloadingTLSState{}
	state.store(pool, cert)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if pool, cert, err := kp.load(); err == nil {
					state.store(pool, cert)
				}
			}
		}
	}()

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		cfg := base.Clone()
		cfg.RootCAs, cfg.Certificates = state.load()
		return tls.DialWithDialer(dialer, network, address, cfg)
	}, nil
}

// reloadingTLSState holds the most recently loaded CA pool and client
// certificate behind an atomic pointer, so dialing never blocks on the
// background reload goroutine.
type reloadingTLSState struct {
	v atomic.Pointer[reloadingTLSValue]
}

type reloadingTLSValue struct {
	pool *x509.CertPool
	cert *tls.Certificate
}

func (s *reloadingTLSState) store(pool *x509.CertPool, cert *tls.Certificate) {
	s.v.Store(&reloadingTLSValue{pool: pool, cert: cert})
}

func (s *reloadingTLSState) load() (*x509.CertPool, []tls.Certificate) {
	val := s.v.Load()
	if val == nil {
		return nil, nil
	}
	var certs []tls.Certificate
	if val.cert != nil {
		certs = []tls.Certificate{*val.cert}
	}
	return val.pool, certs
}
