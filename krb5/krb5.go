// Package krb5 provides a Kerberos initiator for SPNEGO session setup.
package krb5

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"

	kclient "github.com/jcmturner/gokrb5/v8/client"
	kconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	kspnego "github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
)

var (
	// KerberosOid is the Kerberos V5 GSS-API mechanism.
	KerberosOid = asn1.ObjectIdentifier([]int{1, 2, 840, 113554, 1, 2, 2})

	// MsKerberosOid is the legacy Microsoft alias of KerberosOid.
	MsKerberosOid = asn1.ObjectIdentifier([]int{1, 2, 840, 48018, 1, 2, 2})
)

var errNotStarted = errors.New("security context has not been initialized")

func buildTemplate(realm, kdc string) string {
	if kdc == "" {
		krbTemplate := "[libdefaults]\ndns_lookup_kdc = true\ndefault_realm = {{Realm}}"
		return strings.ReplaceAll(krbTemplate, "{{Realm}}", realm)
	}
	krbTemplate := "[libdefaults]\ndefault_realm = {{Realm}}\n[realms]\n{{Realm}} = {\n\tkdc = {{KDC}}\n\tadmin_server = {{KDC}}\n}"
	return strings.ReplaceAll(strings.ReplaceAll(krbTemplate, "{{Realm}}", realm), "{{KDC}}", kdc)
}

// Initiator authenticates with a service ticket for TargetSPN, e.g.
// "cifs/fileserver.example.com".
type Initiator struct {
	User       string
	Password   string
	KeytabPath string // used instead of Password when set
	Realm      string
	KDC        string // host[:port]; DNS lookup when empty
	TargetSPN  string

	client     *kclient.Client
	ticketKey  types.EncryptionKey
	sessionKey []byte
}

// OID returns the mechanism identifier announced in SPNEGO.
func (i *Initiator) OID() asn1.ObjectIdentifier {
	return KerberosOid
}

func (i *Initiator) login() error {
	realm := strings.ToUpper(i.Realm)
	cfg, err := kconfig.NewFromString(buildTemplate(realm, i.KDC))
	if err != nil {
		return err
	}

	if i.KeytabPath != "" {
		kt, err := keytab.Load(i.KeytabPath)
		if err != nil {
			return err
		}
		i.client = kclient.NewWithKeytab(i.User, realm, kt, cfg, kclient.DisablePAFXFAST(true))
	} else {
		i.client = kclient.NewWithPassword(i.User, realm, i.Password, cfg, kclient.DisablePAFXFAST(true))
	}

	if err := i.client.Login(); err != nil {
		return fmt.Errorf("kerberos login: %w", err)
	}
	return nil
}

// InitSecContext obtains a service ticket and returns the AP-REQ token.
func (i *Initiator) InitSecContext() ([]byte, error) {
	if i.client == nil {
		if err := i.login(); err != nil {
			return nil, err
		}
	}

	tkt, key, err := i.client.GetServiceTicket(i.TargetSPN)
	if err != nil {
		return nil, fmt.Errorf("service ticket for %s: %w", i.TargetSPN, err)
	}
	i.ticketKey = key

	tok, err := kspnego.NewKRB5TokenAPREQ(
		i.client,
		tkt,
		key,
		[]int{gssapi.ContextFlagInteg, gssapi.ContextFlagConf, gssapi.ContextFlagMutual},
		[]int{flags.APOptionMutualRequired},
	)
	if err != nil {
		return nil, err
	}

	if err := tok.APReq.DecryptAuthenticator(key); err == nil && len(tok.APReq.Authenticator.SubKey.KeyValue) > 0 {
		i.sessionKey = tok.APReq.Authenticator.SubKey.KeyValue
	} else {
		i.sessionKey = key.KeyValue
	}

	return tok.Marshal()
}

// AcceptSecContext processes the AP-REP and adopts the acceptor subkey if
// one is present. Kerberos has no further leg, so the result is always nil.
func (i *Initiator) AcceptSecContext(sc []byte) ([]byte, error) {
	if i.client == nil {
		return nil, errNotStarted
	}

	var tok kspnego.KRB5Token
	if err := tok.Unmarshal(sc); err != nil {
		return nil, err
	}

	if tok.IsKRBError() {
		return nil, fmt.Errorf("kerberos error: %s", tok.KRBError.Error())
	}

	if !tok.IsAPRep() {
		return nil, errors.New("expected AP-REP")
	}

	b, err := crypto.DecryptEncPart(tok.APRep.EncPart, i.ticketKey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return nil, err
	}

	var part messages.EncAPRepPart
	if err := part.Unmarshal(b); err != nil {
		return nil, err
	}

	if len(part.Subkey.KeyValue) > 0 {
		i.sessionKey = part.Subkey.KeyValue
	}

	return nil, nil
}

// Sum returns nil: Kerberos is offered alone, so no mechListMIC is sent.
func (i *Initiator) Sum(bs []byte) []byte {
	return nil
}

// SessionKey returns the key the SMB session keys are derived from.
func (i *Initiator) SessionKey() []byte {
	return i.sessionKey
}

// Destroy discards the cached tickets.
func (i *Initiator) Destroy() {
	if i.client != nil {
		i.client.Destroy()
		i.client = nil
	}
}
