package vpn

import (
	"errors"
)

var (
	// ErrVPNNotFound indicates a missing instance.
	ErrVPNNotFound = errors.New("vpn instance not found")
	// ErrVPNAlreadyExists indicates an instance with the same name exists.
	ErrVPNAlreadyExists = errors.New("vpn instance already exists")
	// ErrVPNValidation indicates invalid user input.
	ErrVPNValidation = errors.New("vpn validation failed")
	// ErrSecurity marks input that tried to smuggle path or shell metacharacters.
	ErrSecurity = errors.New("security violation")
	// ErrClientNotFound indicates a missing client.
	ErrClientNotFound = errors.New("vpn client not found")
	// ErrClientExists indicates a duplicate client name under one instance.
	ErrClientExists = errors.New("vpn client already exists")
)

// Status is the cached process state of an instance.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusUnknown Status = "unknown"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusUnknown:
		return true
	}
	return false
}

// Instance is one OpenVPN server definition.
type Instance struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Port          int    `json:"port"`
	Protocol      string `json:"protocol"`
	InterfaceType string `json:"interfaceType"`
	Topology      string `json:"topology"`
	Subnet        string `json:"subnet"`
	MaxClients    int    `json:"maxClients"`
	ActiveClients int    `json:"activeClients"`
	Status        Status `json:"status"`

	TLSAuth          bool `json:"tlsAuth"`
	CRLEnabled       bool `json:"crlEnabled"`
	VerifyClient     bool `json:"verifyClient"`
	VerifyRemoteCert bool `json:"verifyRemoteCert"`
	StrictUserCN     bool `json:"strictUserCN"`
	RenegotiateTime  int  `json:"renegotiateTime"`
	RedirectGateway  bool `json:"redirectGateway"`

	// Comma separated lists.
	DNSServers   string `json:"dnsServers"`
	NTPServers   string `json:"ntpServers"`
	LocalNetwork string `json:"localNetwork"`
	// Newline separated extra directives.
	PushOptions    string `json:"pushOptions"`
	OpenVPNOptions string `json:"openvpnOptions"`

	ClientToClient     bool `json:"clientToClient"`
	BlockIPv6          bool `json:"blockIPv6"`
	DuplicateCN        bool `json:"duplicateCN"`
	Float              bool `json:"float"`
	PassTOS            bool `json:"passTOS"`
	PersistRemoteIP    bool `json:"persistRemoteIP"`
	RouteNoExec        bool `json:"routeNoExec"`
	RouteNoPull        bool `json:"routeNoPull"`
	ExplicitExitNotify bool `json:"explicitExitNotify"`
	RemoteRandom       bool `json:"remoteRandom"`

	StatusCheckedAt   int64 `json:"statusCheckedAt"`
	ConfigGeneratedAt int64 `json:"configGeneratedAt"`
	CreatedAt         int64 `json:"createdAt"`
	UpdatedAt         int64 `json:"updatedAt"`
}

// NewInstance returns an instance populated with the stock defaults.
func NewInstance(name string) Instance {
	return Instance{
		Name:               name,
		Port:               1194,
		Protocol:           "udp",
		InterfaceType:      "tun",
		Topology:           "subnet",
		Subnet:             "10.8.0.0/24",
		MaxClients:         100,
		Status:             StatusStopped,
		VerifyClient:       true,
		VerifyRemoteCert:   true,
		RenegotiateTime:    3600,
		ExplicitExitNotify: true,
	}
}

// UpsertRequest defines create/update payload fields. Nil pointers leave the
// current (or default) value untouched.
type UpsertRequest struct {
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	Port          *int    `json:"port,omitempty"`
	Protocol      *string `json:"protocol,omitempty"`
	InterfaceType *string `json:"interfaceType,omitempty"`
	Topology      *string `json:"topology,omitempty"`
	Subnet        *string `json:"subnet,omitempty"`
	MaxClients    *int    `json:"maxClients,omitempty"`

	TLSAuth          *bool `json:"tlsAuth,omitempty"`
	CRLEnabled       *bool `json:"crlEnabled,omitempty"`
	VerifyClient     *bool `json:"verifyClient,omitempty"`
	VerifyRemoteCert *bool `json:"verifyRemoteCert,omitempty"`
	StrictUserCN     *bool `json:"strictUserCN,omitempty"`
	RenegotiateTime  *int  `json:"renegotiateTime,omitempty"`
	RedirectGateway  *bool `json:"redirectGateway,omitempty"`

	DNSServers     *string `json:"dnsServers,omitempty"`
	NTPServers     *string `json:"ntpServers,omitempty"`
	LocalNetwork   *string `json:"localNetwork,omitempty"`
	PushOptions    *string `json:"pushOptions,omitempty"`
	OpenVPNOptions *string `json:"openvpnOptions,omitempty"`

	ClientToClient     *bool `json:"clientToClient,omitempty"`
	BlockIPv6          *bool `json:"blockIPv6,omitempty"`
	DuplicateCN        *bool `json:"duplicateCN,omitempty"`
	Float              *bool `json:"float,omitempty"`
	PassTOS            *bool `json:"passTOS,omitempty"`
	PersistRemoteIP    *bool `json:"persistRemoteIP,omitempty"`
	RouteNoExec        *bool `json:"routeNoExec,omitempty"`
	RouteNoPull        *bool `json:"routeNoPull,omitempty"`
	ExplicitExitNotify *bool `json:"explicitExitNotify,omitempty"`
	RemoteRandom       *bool `json:"remoteRandom,omitempty"`
}

// Apply overlays the non-nil request fields onto inst.
func (r UpsertRequest) Apply(inst *Instance) {
	setString(&inst.Description, r.Description)
	setInt(&inst.Port, r.Port)
	setString(&inst.Protocol, r.Protocol)
	setString(&inst.InterfaceType, r.InterfaceType)
	setString(&inst.Topology, r.Topology)
	setString(&inst.Subnet, r.Subnet)
	setInt(&inst.MaxClients, r.MaxClients)
	setBool(&inst.TLSAuth, r.TLSAuth)
	setBool(&inst.CRLEnabled, r.CRLEnabled)
	setBool(&inst.VerifyClient, r.VerifyClient)
	setBool(&inst.VerifyRemoteCert, r.VerifyRemoteCert)
	setBool(&inst.StrictUserCN, r.StrictUserCN)
	setInt(&inst.RenegotiateTime, r.RenegotiateTime)
	setBool(&inst.RedirectGateway, r.RedirectGateway)
	setString(&inst.DNSServers, r.DNSServers)
	setString(&inst.NTPServers, r.NTPServers)
	setString(&inst.LocalNetwork, r.LocalNetwork)
	setString(&inst.PushOptions, r.PushOptions)
	setString(&inst.OpenVPNOptions, r.OpenVPNOptions)
	setBool(&inst.ClientToClient, r.ClientToClient)
	setBool(&inst.BlockIPv6, r.BlockIPv6)
	setBool(&inst.DuplicateCN, r.DuplicateCN)
	setBool(&inst.Float, r.Float)
	setBool(&inst.PassTOS, r.PassTOS)
	setBool(&inst.PersistRemoteIP, r.PersistRemoteIP)
	setBool(&inst.RouteNoExec, r.RouteNoExec)
	setBool(&inst.RouteNoPull, r.RouteNoPull)
	setBool(&inst.ExplicitExitNotify, r.ExplicitExitNotify)
	setBool(&inst.RemoteRandom, r.RemoteRandom)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Client is a named client provisioned under an instance.
type Client struct {
	ID            int64  `json:"id"`
	InstanceID    int64  `json:"instanceId"`
	InstanceName  string `json:"instanceName"`
	UserID        *int64 `json:"userId,omitempty"`
	Name          string `json:"name"`
	CertificateID *int64 `json:"certificateId,omitempty"`
	Active        bool   `json:"active"`
	CreatedAt     int64  `json:"createdAt"`
	RevokedAt     int64  `json:"revokedAt,omitempty"`
}

// Revoked reports whether the client's certificate has been revoked.
func (c Client) Revoked() bool {
	return c.RevokedAt > 0
}
