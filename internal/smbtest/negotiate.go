package smbtest

import (
	"crypto/rand"
	"slices"

	"github.com/mike76-dev/smbprobe/compress"
	"github.com/mike76-dev/smbprobe/ntlm"
	"github.com/mike76-dev/smbprobe/smb2"
	"go.uber.org/zap"
)

// handleNegotiate picks the highest dialect both sides speak and, for
// 3.1.1, the cipher, signing and compression algorithms.
func (c *connection) handleNegotiate(r *request) (uint32, []byte) {
	s := c.server
	if c.negotiated {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	var req smb2.NegotiateRequest
	if err := req.Decode(r.body()); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}

	var dialect uint16
	for _, d := range req.Dialects {
		if slices.Contains(s.opts.Dialects, d) && d > dialect {
			dialect = d
		}
	}
	if dialect == 0 {
		return smb2.STATUS_NOT_SUPPORTED, nil
	}

	c.dialect = dialect
	c.clientGuid = req.ClientGuid
	c.clientCapabilities = req.Capabilities
	c.clientSecurityMode = req.SecurityMode
	c.clientDialects = req.Dialects

	caps := uint32(smb2.GLOBAL_CAP_DFS)
	if dialect != smb2.SMB_DIALECT_202 {
		caps |= smb2.GLOBAL_CAP_LEASING | smb2.GLOBAL_CAP_LARGE_MTU
		c.supportsMultiCredit = true
	}
	if smb2.Is3X(dialect) {
		caps |= smb2.GLOBAL_CAP_DIRECTORY_LEASING
		if s.opts.Multichannel {
			caps |= smb2.GLOBAL_CAP_MULTI_CHANNEL
		}
		if s.opts.PersistentHandles {
			caps |= smb2.GLOBAL_CAP_PERSISTENT_HANDLES
		}
	}
	c.serverCapabilities = caps

	c.serverSecurityMode = smb2.NEGOTIATE_SIGNING_ENABLED
	if s.opts.RequireSigning {
		c.serverSecurityMode |= smb2.NEGOTIATE_SIGNING_REQUIRED
	}

	hint, err := ntlm.NewServer("smbtest", s.opts.Domain).Negotiate()
	if err != nil {
		return smb2.STATUS_INSUFFICIENT_RESOURCES, nil
	}

	now := s.now()
	resp := smb2.NegotiateResponse{
		SecurityMode:    c.serverSecurityMode,
		DialectRevision: dialect,
		ServerGuid:      s.serverGuid,
		Capabilities:    caps,
		MaxTransactSize: MaxTransactSize,
		MaxReadSize:     MaxReadSize,
		MaxWriteSize:    MaxWriteSize,
		SystemTime:      now,
		ServerStartTime: s.stats.start,
		SecurityBuffer:  hint,
	}

	if dialect == smb2.SMB_DIALECT_311 {
		if _, ok := smb2.FindContext(req.Contexts, smb2.PREAUTH_INTEGRITY_CAPABILITIES); !ok {
			return smb2.STATUS_INVALID_PARAMETER, nil
		}
		salt := make([]byte, 32)
		rand.Read(salt)
		resp.Contexts = append(resp.Contexts, smb2.PreauthIntegrityContext(salt))

		if nc, ok := smb2.FindContext(req.Contexts, smb2.ENCRYPTION_CAPABILITIES); ok {
			c.cipherID = pickAlgorithm(s.opts.Ciphers, nc.IDs())
			resp.Contexts = append(resp.Contexts, smb2.EncryptionContext([]uint16{c.cipherID}))
		}

		c.signingAlgorithmID = smb2.AES_CMAC
		if nc, ok := smb2.FindContext(req.Contexts, smb2.SIGNING_CAPABILITIES); ok {
			if algo := pickAlgorithm(s.opts.SigningAlgorithms, nc.IDs()); algo != smb2.HMAC_SHA256 {
				c.signingAlgorithmID = algo
			}
			resp.Contexts = append(resp.Contexts, smb2.SigningContext([]uint16{c.signingAlgorithmID}))
		}

		var transform compress.Transform
		if nc, ok := smb2.FindContext(req.Contexts, smb2.COMPRESSION_CAPABILITIES); ok && len(s.opts.Compression) > 0 {
			var common []uint16
			for _, algo := range s.opts.Compression {
				if slices.Contains(nc.IDs(), algo) {
					common = append(common, algo)
				}
			}
			if len(common) > 0 {
				flags := nc.CompressionFlags() & smb2.COMPRESSION_CAPABILITIES_FLAG_CHAINED
				resp.Contexts = append(resp.Contexts, smb2.CompressionContext(common, flags))
				transform = compress.Transform{Algorithms: common, Chained: flags != 0}
			}
		}

		request := append([]byte(nil), r.hdr...)
		r.onBuilt = func(msg []byte) {
			c.preauthIntegrityHashValue.Update(request)
			c.preauthIntegrityHashValue.Update(msg)
		}
		r.after = func() { c.transform = transform }
	}

	c.negotiated = true
	c.logger.Debug("negotiated",
		zap.Uint16("dialect", dialect),
		zap.Uint32("capabilities", caps),
		zap.Uint16("cipher", c.cipherID),
		zap.Uint16("signing", c.signingAlgorithmID),
	)

	return smb2.STATUS_OK, resp.Encode()
}

// pickAlgorithm returns the first of the server's algorithms the client
// offered, or 0.
func pickAlgorithm(server, client []uint16) uint16 {
	for _, id := range server {
		if slices.Contains(client, id) {
			return id
		}
	}
	return 0
}

// validateNegotiate answers FSCTL_VALIDATE_NEGOTIATE_INFO with what the
// connection negotiated.
func (c *connection) validateNegotiate(input []byte) (uint32, []byte) {
	var req smb2.ValidateNegotiateInfoRequest
	if err := req.Decode(input); err != nil {
		return smb2.STATUS_INVALID_PARAMETER, nil
	}
	if req.Guid != c.clientGuid || req.SecurityMode != c.clientSecurityMode ||
		req.Capabilities != c.clientCapabilities || !slices.Equal(req.Dialects, c.clientDialects) {
		return smb2.STATUS_ACCESS_DENIED, nil
	}

	resp := smb2.ValidateNegotiateInfoResponse{
		Capabilities: c.serverCapabilities,
		Guid:         c.server.serverGuid,
		SecurityMode: c.serverSecurityMode,
		Dialect:      c.dialect,
	}
	if c.server.opts.SkewValidateNegotiate {
		resp.Capabilities ^= smb2.GLOBAL_CAP_MULTI_CHANNEL
	}
	return smb2.STATUS_OK, resp.Encode()
}
