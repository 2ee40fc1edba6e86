package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/certs"
	"ovpn-console/internal/ovpnconf"
	"ovpn-console/internal/vpn"
)

const profileContentType = "application/x-openvpn-profile"

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	clients, err := s.instances.ListClients(r.Context(), name, queryBool(r, "includeRevoked"))
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// handleCreateClient registers a client and issues its certificate. The row
// is removed again when issuance fails.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil || s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	var payload vpn.CreateClientRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	payload.CertificateID = nil
	if !s.certs.CAReady() {
		s.writeCertError(w, r, certs.ErrCANotInitialized)
		return
	}
	client, err := s.instances.CreateClient(r.Context(), name, payload)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	_, cert, err := s.certs.IssueClient(r.Context(), name, client.Name)
	if err != nil {
		if derr := s.instances.DeleteClient(r.Context(), name, client.Name); derr != nil {
			s.log.WithError(derr).WithField("client", client.Name).Warn("failed to remove client after issue failure")
		}
		s.record(r.Context(), "client.create", name+"/"+client.Name, audit.OutcomeFailure, err.Error())
		s.writeCertError(w, r, err)
		return
	}
	if err := s.instances.SetClientCertificate(r.Context(), client.ID, cert.ID); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	client, err = s.instances.GetClient(r.Context(), name, client.Name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	s.record(r.Context(), "client.create", name+"/"+client.Name, audit.OutcomeSuccess, "serial "+cert.Serial)
	writeJSON(w, http.StatusCreated, map[string]any{"client": client, "certificate": cert})
}

// handleRevokeClient revokes the certificate, regenerates the CRL and marks
// the client revoked. A client whose certificate is already gone is still
// marked revoked.
func (s *Server) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil || s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	clientName, ok := s.requireNameParam(w, r, "client")
	if !ok {
		return
	}
	client, err := s.instances.GetClient(r.Context(), name, clientName)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if client.Revoked() {
		writeJSON(w, http.StatusOK, map[string]any{"client": client})
		return
	}
	if err := s.certs.Revoke(r.Context(), name, clientName); err != nil && !errors.Is(err, certs.ErrCertificateNotFound) {
		s.record(r.Context(), "client.revoke", name+"/"+clientName, audit.OutcomeFailure, err.Error())
		s.writeCertError(w, r, err)
		return
	}
	client, err = s.instances.RevokeClient(r.Context(), name, clientName)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	s.record(r.Context(), "client.revoke", name+"/"+clientName, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]any{"client": client})
}

// handleDownloadClientConfig renders the client's .ovpn profile, stores a copy
// next to the other profiles of the instance and returns it as an attachment.
func (s *Server) handleDownloadClientConfig(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil || s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	clientName, ok := s.requireNameParam(w, r, "client")
	if !ok {
		return
	}
	inst, err := s.instances.Get(r.Context(), name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	client, err := s.instances.GetClient(r.Context(), name, clientName)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if client.Revoked() {
		writeError(w, http.StatusConflict, "client is revoked")
		return
	}
	material, err := s.certs.ClientMaterial(name, clientName)
	if err != nil {
		s.writeCertError(w, r, err)
		return
	}
	remote, port := s.publicEndpoint()
	profile := ovpnconf.ClientMaterial{
		Remote: remote,
		Port:   port,
		CA:     material.CA,
		Cert:   material.Cert,
		Key:    material.Key,
	}
	if inst.TLSAuth {
		key, err := s.certs.TLSAuthKey()
		if err != nil {
			s.writeCertError(w, r, err)
			return
		}
		profile.TLSAuth = key
	}
	content, err := s.generator.RenderClient(*inst, clientName, profile)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if _, err := s.generator.WriteClient(*inst, clientName, profile); err != nil {
		s.log.WithError(err).WithField("client", clientName).Warn("failed to store client profile")
	}
	s.record(r.Context(), "client.download", name+"/"+clientName, audit.OutcomeSuccess, "")

	w.Header().Set("Content-Type", profileContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+"-"+clientName+`.ovpn"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

// publicEndpoint picks the remote written into client profiles: runtime
// settings first, then startup config, then the WAN interface address.
func (s *Server) publicEndpoint() (string, int) {
	host, port := "", 0
	if s.settings != nil {
		if current, err := s.settings.Get(); err == nil {
			host, port = strings.TrimSpace(current.PublicHost), current.PublicPort
		}
	}
	if host == "" {
		host = strings.TrimSpace(s.cfg.PublicHost)
	}
	if host == "" && s.wanAddress != nil {
		if addr, err := s.wanAddress(); err == nil {
			host = addr
		} else {
			s.log.WithError(err).Warn("no public host configured and WAN address lookup failed")
		}
	}
	return host, port
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	if s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	var (
		list []certs.Certificate
		err  error
	)
	if raw := r.URL.Query().Get("expiringWithin"); raw != "" {
		window, perr := time.ParseDuration(raw)
		if perr != nil || window <= 0 {
			writeError(w, http.StatusBadRequest, "invalid expiringWithin duration")
			return
		}
		list, err = s.certs.ExpiringWithin(r.Context(), window)
	} else {
		list, err = s.certs.List(r.Context())
	}
	if err != nil {
		s.writeCertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"caReady": s.certs.CAReady(), "certificates": list})
}

func (s *Server) handleInitCA(w http.ResponseWriter, r *http.Request) {
	if s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	cert, err := s.certs.InitCA(r.Context())
	if err != nil {
		s.record(r.Context(), "ca.init", "ca", audit.OutcomeFailure, err.Error())
		s.writeCertError(w, r, err)
		return
	}
	s.record(r.Context(), "ca.init", "ca", audit.OutcomeSuccess, "serial "+cert.Serial)
	writeJSON(w, http.StatusCreated, map[string]any{"certificate": cert})
}

func (s *Server) handleIssueServerCert(w http.ResponseWriter, r *http.Request) {
	if s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	var payload struct {
		CommonName string `json:"commonName"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &payload) {
		return
	}
	cn := strings.TrimSpace(payload.CommonName)
	if cn == "" {
		cn = "server"
	}
	cert, err := s.certs.IssueServer(r.Context(), cn)
	if err != nil {
		s.record(r.Context(), "cert.server", cn, audit.OutcomeFailure, err.Error())
		s.writeCertError(w, r, err)
		return
	}
	s.record(r.Context(), "cert.server", cn, audit.OutcomeSuccess, "serial "+cert.Serial)
	writeJSON(w, http.StatusCreated, map[string]any{"certificate": cert})
}

func (s *Server) handleCRL(w http.ResponseWriter, r *http.Request) {
	if s.certs == nil {
		unavailable(w, "certificate service")
		return
	}
	crl, err := s.certs.CRL()
	if err != nil {
		s.writeCertError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(crl))
}
