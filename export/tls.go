/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package export

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
)

const hkdfSalt = "netsift-export-v1"

// BuildTLSConfig creates a TLS configuration for QUIC. Both sides derive
// the same key pair from cfg.Key, or load it from the certificate files,
// and the exporter accepts only a receiver presenting that public key.
func BuildTLSConfig(cfg *Config, isServer bool) (*tls.Config, error) {
	tlsConf := &tls.Config{
		NextProtos: []string{cfg.ALPN},
		MinVersion: tls.VersionTLS13,
	}

	var pub []byte
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		if pub, err = x509.MarshalPKIXPublicKey(leaf.PublicKey); err != nil {
			return nil, err
		}
		if isServer {
			tlsConf.Certificates = []tls.Certificate{cert}
			return tlsConf, nil
		}
	} else {
		cert, derived, err := deterministicCert(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to generate deterministic certificate: %w", err)
		}
		if isServer {
			tlsConf.Certificates = []tls.Certificate{cert}
			tlsConf.ClientAuth = tls.NoClientCert
			return tlsConf, nil
		}
		pub = derived
	}

	// The receiver's key is known in advance, so the exporter pins it
	// instead of walking a CA chain.
	tlsConf.InsecureSkipVerify = true
	tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("receiver sent no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		got, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, pub) {
			return errors.New("receiver certificate does not match the shared key")
		}
		return nil
	}
	return tlsConf, nil
}

// deterministicCert derives an ECDSA P-256 key from key with HKDF-SHA256
// and self-signs a certificate for it. It returns the certificate and the
// PKIX encoding of its public key.
func deterministicCert(key string) (tls.Certificate, []byte, error) {
	kdf := hkdf.New(sha256.New, []byte(key), []byte(hkdfSalt), []byte("ecdsa-p256 private key"))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return tls.Certificate{}, nil, err
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(seed)
	// d in [1, N-1].
	d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2034, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"netsift"},
	}

	signer := hkdf.New(sha256.New, []byte(key), []byte(hkdfSalt), []byte("certificate signature"))
	certDER, err := x509.CreateCertificate(signer, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	return cert, pub, err
}
