package krb5

import (
	"testing"

	kconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTemplate(t *testing.T) {
	cfg, err := kconfig.NewFromString(buildTemplate("EXAMPLE.COM", "dc1.example.com:88"))
	require.NoError(t, err)
	assert.Equal(t, "EXAMPLE.COM", cfg.LibDefaults.DefaultRealm)

	_, kdcs, err := cfg.GetKDCs("EXAMPLE.COM", false)
	require.NoError(t, err)
	assert.Contains(t, kdcs, 1)
	assert.Equal(t, "dc1.example.com:88", kdcs[1])
}

func TestAcceptBeforeInit(t *testing.T) {
	i := &Initiator{User: "alice", Realm: "example.com"}
	_, err := i.AcceptSecContext([]byte{0x60, 0x00})
	assert.ErrorIs(t, err, errNotStarted)
	assert.Nil(t, i.SessionKey())
	assert.True(t, i.OID().Equal(KerberosOid))
}
