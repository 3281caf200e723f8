package amqp

import (
	"fmt"
)

// SASL Codes
const (
	codeSASLOK      saslCode = iota // Connection authentication succeeded.
	codeSASLAuth                    // Connection authentication failed due to an unspecified problem with the supplied credentials.
	codeSASLSys                     // Connection authentication failed due to a system error.
	codeSASLSysPerm                 // Connection authentication failed due to a system error that is unlikely to be corrected without intervention.
	codeSASLSysTemp                 // Connection authentication failed due to a transient system error.
)

type saslCode uint8

func (s saslCode) marshal(wr *buffer) error {
	return marshal(wr, uint8(s))
}

func (s *saslCode) unmarshal(r *buffer) error {
	_, err := unmarshal(r, (*uint8)(s))
	return err
}

// SASL Mechanisms
const (
	saslMechanismPLAIN     Symbol = "PLAIN"
	saslMechanismANONYMOUS Symbol = "ANONYMOUS"
	saslMechanismXOAUTH2   Symbol = "XOAUTH2"
)

// SASLMechanism authenticates a connection during the SASL exchange.
//
// The client selects the first configured mechanism the server offers,
// sends InitialResponse in its sasl-init and answers every challenge with
// the result of Challenge until the server sends its outcome.
type SASLMechanism interface {
	Name() Symbol
	InitialResponse(hostname string) ([]byte, error)
	Challenge(challenge []byte) ([]byte, error)
}

// ConnSASLMechanism adds a SASL mechanism to the connection. Mechanisms
// are preferred in the order they are added.
func ConnSASLMechanism(m SASLMechanism) ConnOption {
	return func(c *connConfig) error {
		c.saslMechanisms = append(c.saslMechanisms, m)
		return nil
	}
}

// ConnSASLPlain enables SASL PLAIN authentication for the connection.
//
// SASL PLAIN transmits credentials in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLPlain(username, password string) ConnOption {
	return ConnSASLMechanism(&saslPlain{username: username, password: password})
}

// ConnSASLAnonymous enables SASL ANONYMOUS authentication for the connection.
func ConnSASLAnonymous() ConnOption {
	return ConnSASLMechanism(saslAnonymous{})
}

// ConnSASLXOAUTH2 enables SASL XOAUTH2 authentication for the connection.
//
// saslMaxFrameSizeOverride raises the size limit of the SASL frames this
// client generates. Set it when the initial response, which carries the
// bearer token, would not fit in the 512 byte minimum max-frame-size.
// Pass 0 to keep the default.
//
// SASL XOAUTH2 transmits the bearer in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLXOAUTH2(username, bearer string, saslMaxFrameSizeOverride uint32) ConnOption {
	return func(c *connConfig) error {
		// validate now so a bad bearer fails before dialing
		if _, err := saslXOAUTH2InitialResponse(username, bearer); err != nil {
			return err
		}
		c.saslMechanisms = append(c.saslMechanisms, &saslXOAUTH2{username: username, bearer: bearer})
		c.saslMaxFrameSize = saslMaxFrameSizeOverride
		return nil
	}
}

type saslPlain struct {
	username string
	password string
}

func (*saslPlain) Name() Symbol { return saslMechanismPLAIN }

func (p *saslPlain) InitialResponse(string) ([]byte, error) {
	return []byte("\x00" + p.username + "\x00" + p.password), nil
}

func (*saslPlain) Challenge([]byte) ([]byte, error) {
	return nil, errorNew("SASL PLAIN does not expect a challenge")
}

type saslAnonymous struct{}

func (saslAnonymous) Name() Symbol { return saslMechanismANONYMOUS }

func (saslAnonymous) InitialResponse(string) ([]byte, error) {
	return []byte("anonymous"), nil
}

func (saslAnonymous) Challenge([]byte) ([]byte, error) {
	return nil, errorNew("SASL ANONYMOUS does not expect a challenge")
}

// saslXOAUTH2 answers the first challenge, which carries the server's
// error details, with an empty response so the server can send its
// failed outcome. A second challenge is a protocol error.
type saslXOAUTH2 struct {
	username      string
	bearer        string
	errorResponse []byte
}

func (*saslXOAUTH2) Name() Symbol { return saslMechanismXOAUTH2 }

func (x *saslXOAUTH2) InitialResponse(string) ([]byte, error) {
	return saslXOAUTH2InitialResponse(x.username, x.bearer)
}

func (x *saslXOAUTH2) Challenge(challenge []byte) ([]byte, error) {
	if x.errorResponse == nil {
		x.errorResponse = append([]byte{}, challenge...)
		return []byte{}, nil
	}
	return nil, errorErrorf("SASL XOAUTH2 failed. Initial error response: %s, additional response: %s",
		x.errorResponse, challenge)
}

func saslXOAUTH2InitialResponse(username string, bearer string) ([]byte, error) {
	if len(bearer) == 0 {
		return []byte{}, errorNew("unacceptable bearer token")
	}
	for _, char := range bearer {
		if char < '\x20' || char > '\x7E' {
			return []byte{}, errorNew("unacceptable bearer token")
		}
	}
	for _, char := range username {
		if char == '\x01' {
			return []byte{}, errorNew("unacceptable username")
		}
	}
	return []byte("user=" + username + "\x01auth=Bearer " + bearer + "\x01\x01"), nil
}

/*
<type name="sasl-init" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-init:list" code="0x00000000:0x00000041"/>
    <field name="mechanism" type="symbol" mandatory="true"/>
    <field name="initial-response" type="binary"/>
    <field name="hostname" type="string"/>
</type>
*/

type saslInit struct {
	Mechanism       Symbol
	InitialResponse []byte
	Hostname        string
}

func (si *saslInit) link() (uint32, bool) {
	return 0, false
}

func (si *saslInit) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeSASLInit, []marshalField{
		{value: si.Mechanism, omit: false},
		{value: si.InitialResponse, omit: si.InitialResponse == nil},
		{value: si.Hostname, omit: len(si.Hostname) == 0},
	}...)
}

func (si *saslInit) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeSASLInit, []unmarshalField{
		{field: &si.Mechanism, handleNull: required("saslInit.Mechanism")},
		{field: &si.InitialResponse},
		{field: &si.Hostname},
	}...)
}

func (si *saslInit) String() string {
	// Elide the InitialResponse as it may contain a plain text secret.
	return fmt.Sprintf("SaslInit{Mechanism : %s, InitialResponse: ********, Hostname: %s}",
		si.Mechanism,
		si.Hostname,
	)
}

/*
<type name="sasl-mechanisms" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-mechanisms:list" code="0x00000000:0x00000040"/>
    <field name="sasl-server-mechanisms" type="symbol" multiple="true" mandatory="true"/>
</type>
*/

type saslMechanisms struct {
	Mechanisms []Symbol
}

func (sm *saslMechanisms) link() (uint32, bool) {
	return 0, false
}

func (sm *saslMechanisms) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeSASLMechanism, []marshalField{
		{value: sm.Mechanisms, omit: false},
	}...)
}

func (sm *saslMechanisms) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeSASLMechanism,
		unmarshalField{field: &sm.Mechanisms, handleNull: required("SASLMechanisms.Mechanisms")},
	)
}

func (sm *saslMechanisms) String() string {
	return fmt.Sprintf("SaslMechanisms{Mechanisms : %v}", sm.Mechanisms)
}

/*
<type name="sasl-challenge" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-challenge:list" code="0x00000000:0x00000042"/>
    <field name="challenge" type="binary" mandatory="true"/>
</type>
*/

type saslChallenge struct {
	Challenge []byte
}

func (sc *saslChallenge) link() (uint32, bool) {
	return 0, false
}

func (sc *saslChallenge) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeSASLChallenge, []marshalField{
		{value: sc.Challenge, omit: false},
	}...)
}

func (sc *saslChallenge) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeSASLChallenge, []unmarshalField{
		{field: &sc.Challenge, handleNull: required("saslChallenge.Challenge")},
	}...)
}

func (sc *saslChallenge) String() string {
	return "Challenge{Challenge: ********}"
}

/*
<type name="sasl-response" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-response:list" code="0x00000000:0x00000043"/>
    <field name="response" type="binary" mandatory="true"/>
</type>
*/

type saslResponse struct {
	Response []byte
}

func (sr *saslResponse) link() (uint32, bool) {
	return 0, false
}

func (sr *saslResponse) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeSASLResponse, []marshalField{
		{value: sr.Response, omit: false},
	}...)
}

func (sr *saslResponse) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeSASLResponse, []unmarshalField{
		{field: &sr.Response, handleNull: required("saslResponse.Response")},
	}...)
}

func (sr *saslResponse) String() string {
	return "Response{Response: ********}"
}

/*
<type name="sasl-outcome" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-outcome:list" code="0x00000000:0x00000044"/>
    <field name="code" type="sasl-code" mandatory="true"/>
    <field name="additional-data" type="binary"/>
</type>
*/

type saslOutcome struct {
	Code           saslCode
	AdditionalData []byte
}

func (so *saslOutcome) link() (uint32, bool) {
	return 0, false
}

func (so *saslOutcome) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeSASLOutcome, []marshalField{
		{value: so.Code, omit: false},
		{value: so.AdditionalData, omit: len(so.AdditionalData) == 0},
	}...)
}

func (so *saslOutcome) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeSASLOutcome, []unmarshalField{
		{field: &so.Code, handleNull: required("saslOutcome.Code")},
		{field: &so.AdditionalData},
	}...)
}

func (so *saslOutcome) String() string {
	return fmt.Sprintf("SaslOutcome{Code : %v, AdditionalData: %v}",
		so.Code,
		so.AdditionalData,
	)
}
