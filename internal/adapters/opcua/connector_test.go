package opcua

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopcua/opcua/ua"
)

func TestAuthTypeFollowsConfiguredFields(t *testing.T) {
	anon := Config{Name: "a", Endpoint: "opc.tcp://h:4840"}
	assert.Equal(t, ua.UserTokenTypeAnonymous, anon.authType())

	user := Config{Name: "a", Endpoint: "opc.tcp://h:4840", Username: "op", Password: "pw"}
	assert.Equal(t, ua.UserTokenTypeUserName, user.authType())

	cert := Config{Name: "a", Endpoint: "opc.tcp://h:4840", CertFile: "c.pem", KeyFile: "k.pem"}
	assert.Equal(t, ua.UserTokenTypeCertificate, cert.authType())

	// A certificate outranks credentials when both are present.
	both := Config{Name: "a", Endpoint: "opc.tcp://h:4840", Username: "op", CertFile: "c.pem", KeyFile: "k.pem"}
	assert.Equal(t, ua.UserTokenTypeCertificate, both.authType())
}

func TestCertWithoutKeyRejected(t *testing.T) {
	cfg := Config{Name: "a", Endpoint: "opc.tcp://h:4840", CertFile: "c.pem"}
	assert.Error(t, cfg.Validate())

	cfg.KeyFile = "k.pem"
	assert.NoError(t, cfg.Validate())
}

func TestLoadCertificateAcceptsPEMAndDER(t *testing.T) {
	der := []byte{0x30, 0x82, 0x01, 0x02}
	dir := t.TempDir()

	pemPath := filepath.Join(dir, "cert.pem")
	f, err := os.Create(pemPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, f.Close())

	got, err := loadCertificate(pemPath)
	require.NoError(t, err)
	assert.Equal(t, der, got)

	derPath := filepath.Join(dir, "cert.der")
	require.NoError(t, os.WriteFile(derPath, der, 0o644))
	got, err = loadCertificate(derPath)
	require.NoError(t, err)
	assert.Equal(t, der, got)

	_, err = loadCertificate(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}
