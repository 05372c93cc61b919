package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	alpnMercury     = "mercury-home"
	devTLSCAPathEnv = "MERCURY_DEVTLS_CA_PATH"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a fixed self-signed certificate for local deployments.
// Peer identity comes from the signed hello, not from TLS.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("mercury-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// WriteDevCA stores the development certificate as PEM so clients on other
// machines can trust it.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return os.WriteFile(path, data, 0o644)
}

func serverTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile != "" || keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	} else {
		cert, _, err = devTLSCert()
	}
	if err != nil {
		return nil, errors.Wrap(err, "server certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnMercury},
	}, nil
}

// clientTLSConfig trusts the system roots unless devTLS is set, in which
// case the development CA is trusted: read from MERCURY_DEVTLS_CA_PATH,
// then caPath, then the built-in certificate.
func clientTLSConfig(insecure bool, devTLS bool, caPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnMercury},
		}, nil
	}
	if !devTLS {
		return &tls.Config{NextProtos: []string{alpnMercury}}, nil
	}
	if p := os.Getenv(devTLSCAPathEnv); p != "" {
		caPath = p
	}
	pool := x509.NewCertPool()
	data, err := os.ReadFile(caPath)
	switch {
	case err == nil:
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.Newf("no certificate in %s", caPath)
		}
	case caPath == "" || os.IsNotExist(err):
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	default:
		return nil, errors.Wrapf(err, "read ca %s", caPath)
	}
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnMercury},
	}, nil
}
