package protocol

import "github.com/coredrift/pgcore/buffer"

// --- Authentication sub-dialog (spec.md §4.4) ---

type AuthenticationOk struct{}

func (*AuthenticationOk) backendMessage() {}

type AuthenticationCleartextPassword struct{}

func (*AuthenticationCleartextPassword) backendMessage() {}

type AuthenticationMD5Password struct {
	Salt [4]byte
}

func (*AuthenticationMD5Password) backendMessage() {}

type AuthenticationGSS struct{}

func (*AuthenticationGSS) backendMessage() {}

type AuthenticationSSPI struct{}

func (*AuthenticationSSPI) backendMessage() {}

type AuthenticationGSSContinue struct {
	Data []byte
}

func (*AuthenticationGSSContinue) backendMessage() {}

// AuthenticationSASL lists the mechanisms offered by the server (supplement
// per SPEC_FULL.md §4.4 EXPANSION; spec.md's ORIGINAL scope only names
// cleartext/MD5/GSS/SSPI, but AuthTypeSASL is a real wire code this core
// must not choke on even where SCRAM is the only mechanism implemented).
type AuthenticationSASL struct {
	Mechanisms []string
}

func (*AuthenticationSASL) backendMessage() {}

type AuthenticationSASLContinue struct {
	Data []byte
}

func (*AuthenticationSASLContinue) backendMessage() {}

type AuthenticationSASLFinal struct {
	Data []byte
}

func (*AuthenticationSASLFinal) backendMessage() {}

// --- Connection-lifecycle messages ---

type BackendKeyData struct {
	ProcessID int32
	SecretKey int32
}

func (*BackendKeyData) backendMessage() {}

type ParameterStatus struct {
	Name  string
	Value string
}

func (*ParameterStatus) backendMessage() {}

type ReadyForQuery struct {
	Status TransactionStatus
}

func (*ReadyForQuery) backendMessage() {}

// --- Extended query protocol ---

type FieldDescription struct {
	Name          string
	TableOID      int32
	ColumnAttrNum int16
	DataTypeOID   int32
	DataTypeSize  int16
	TypeModifier  int32
	FormatCode    FormatCode
}

type RowDescription struct {
	Fields []FieldDescription
}

func (*RowDescription) backendMessage() {}

// DataRow carries one result row. Values holds materialized column payloads
// (NonSequential/Skip-after-materialize mode); in Sequential mode Values is
// nil and columns must be consumed one at a time via NextColumn before the
// Decoder can proceed to the next message (spec.md §3, GLOSSARY "Sequential
// mode").
type DataRow struct {
	Values [][]byte

	buf        *buffer.Buffer
	remaining  int16
	pendingLen int32 // -1 once no column length has been read yet for the current column
}

func (*DataRow) backendMessage() {}

// NextColumn reads the next column's value in Sequential mode. ok is false
// once every column has been consumed. A nil returned slice with ok true
// indicates a SQL NULL column.
func (d *DataRow) NextColumn() (value []byte, ok bool, err error) {
	if d.remaining <= 0 {
		return nil, false, nil
	}
	n, err := d.buf.ReadInt32()
	if err != nil {
		return nil, false, err
	}
	d.remaining--
	if n < 0 {
		return nil, true, nil
	}
	v, err := d.buf.ReadBytes(int(n))
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

type CommandComplete struct {
	Tag string
}

func (*CommandComplete) backendMessage() {}

type EmptyQueryResponse struct{}

func (*EmptyQueryResponse) backendMessage() {}

type ParseComplete struct{}

func (*ParseComplete) backendMessage() {}

type BindComplete struct{}

func (*BindComplete) backendMessage() {}

type ParameterDescription struct {
	ParameterOIDs []int32
}

func (*ParameterDescription) backendMessage() {}

type NoData struct{}

func (*NoData) backendMessage() {}

type CloseComplete struct{}

func (*CloseComplete) backendMessage() {}

type PortalSuspended struct{}

func (*PortalSuspended) backendMessage() {}

// --- Notices, notifications, errors ---

type NoticeResponse struct {
	Fields Fields
}

func (*NoticeResponse) backendMessage() {}

type NotificationResponse struct {
	ProcessID int32
	Channel   string
	Payload   string
}

func (*NotificationResponse) backendMessage() {}

// ErrorResponse carries a server error. The Connector buffers it until the
// trailing ReadyForQuery per spec.md §7 ("Server error: ... buffered until
// the trailing RFQ so the caller observes state consistent with a completed
// round trip").
type ErrorResponse struct {
	Fields Fields
}

func (*ErrorResponse) backendMessage() {}

// Severity returns the 'S' field, falling back to the non-localized 'V'
// field if 'S' is absent (older protocol revisions only send 'S').
func (e *ErrorResponse) Severity() string {
	if s, ok := e.Fields[ErrorFieldSeverity]; ok {
		return s
	}
	return e.Fields[ErrorFieldSeverityNonLoc]
}

func (e *ErrorResponse) Code() string    { return e.Fields[ErrorFieldCode] }
func (e *ErrorResponse) Message() string { return e.Fields[ErrorFieldMessage] }

// IsFatal reports whether the severity indicates the session is no longer
// usable, per spec.md §7 ("non-fatal server errors vs. fatal errors that
// break the connector").
func (e *ErrorResponse) IsFatal() bool {
	switch e.Severity() {
	case "FATAL", "PANIC":
		return true
	default:
		return false
	}
}

// --- COPY protocol ---

type CopyInResponse struct {
	Format        FormatCode
	ColumnFormats []FormatCode
}

func (*CopyInResponse) backendMessage() {}

type CopyOutResponse struct {
	Format        FormatCode
	ColumnFormats []FormatCode
}

func (*CopyOutResponse) backendMessage() {}

type CopyBothResponse struct {
	Format        FormatCode
	ColumnFormats []FormatCode
}

func (*CopyBothResponse) backendMessage() {}

// CopyData carries one chunk of COPY-out data from the server. Data is
// materialized in both NonSequential and Sequential mode; there is no lazy
// reader for CopyData. In Skip mode the payload is discarded and Data is nil.
type CopyData struct {
	Data []byte
}

func (*CopyData) backendMessage() {}

type CopyDone struct{}

func (*CopyDone) backendMessage() {}

// --- Decoder ---

// Decoder decodes BackendMessages from a Buffer. It reuses one instance per
// message kind across calls to Decode, mirroring the flyweight pattern
// reference drivers use to keep the steady-state result-row path
// allocation-free; callers that need a message to outlive the next Decode
// call must copy what they need out of it first.
type Decoder struct {
	buf         *buffer.Buffer
	loadingMode DataRowLoadingMode

	authOk             AuthenticationOk
	authCleartext      AuthenticationCleartextPassword
	authMD5            AuthenticationMD5Password
	authGSS            AuthenticationGSS
	authSSPI           AuthenticationSSPI
	authGSSContinue    AuthenticationGSSContinue
	authSASL           AuthenticationSASL
	authSASLContinue   AuthenticationSASLContinue
	authSASLFinal      AuthenticationSASLFinal
	backendKeyData     BackendKeyData
	parameterStatus    ParameterStatus
	readyForQuery      ReadyForQuery
	rowDescription     RowDescription
	dataRow            DataRow
	commandComplete    CommandComplete
	emptyQueryResponse EmptyQueryResponse
	parseComplete      ParseComplete
	bindComplete       BindComplete
	paramDescription   ParameterDescription
	noData             NoData
	closeComplete      CloseComplete
	portalSuspended    PortalSuspended
	noticeResponse     NoticeResponse
	notificationResp   NotificationResponse
	errorResponse      ErrorResponse
	copyInResponse     CopyInResponse
	copyOutResponse    CopyOutResponse
	copyBothResponse   CopyBothResponse
	copyData           CopyData
	copyDone           CopyDone
}

// NewDecoder returns a Decoder reading from buf with the given initial
// DataRowLoadingMode. The mode can be changed between calls to Decode via
// SetLoadingMode (e.g. a result set declared Skip-relevance switches to
// NonSequential once a caller actually wants its rows).
func NewDecoder(buf *buffer.Buffer, mode DataRowLoadingMode) *Decoder {
	return &Decoder{buf: buf, loadingMode: mode}
}

func (d *Decoder) SetLoadingMode(mode DataRowLoadingMode) { d.loadingMode = mode }

// Decode reads and dispatches the next tagged backend message. The returned
// BackendMessage is only valid until the next call to Decode.
func (d *Decoder) Decode() (BackendMessage, error) {
	tag, err := d.buf.ReadByte()
	if err != nil {
		return nil, err
	}
	length, err := d.buf.ReadInt32()
	if err != nil {
		return nil, err
	}
	bodyLen := int(length) - 4

	switch tag {
	case 'R':
		return d.decodeAuth(bodyLen)
	case 'K':
		pid, err := d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		secret, err := d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		d.backendKeyData = BackendKeyData{ProcessID: pid, SecretKey: secret}
		return &d.backendKeyData, nil
	case 'S':
		name, err := d.buf.ReadNullTerminatedString()
		if err != nil {
			return nil, err
		}
		value, err := d.buf.ReadNullTerminatedString()
		if err != nil {
			return nil, err
		}
		d.parameterStatus = ParameterStatus{Name: name, Value: value}
		return &d.parameterStatus, nil
	case 'Z':
		status, err := d.buf.ReadByte()
		if err != nil {
			return nil, err
		}
		d.readyForQuery = ReadyForQuery{Status: TransactionStatus(status)}
		return &d.readyForQuery, nil
	case 'T':
		return d.decodeRowDescription()
	case 'D':
		return d.decodeDataRow()
	case 'C':
		tagStr, err := d.buf.ReadNullTerminatedString()
		if err != nil {
			return nil, err
		}
		d.commandComplete = CommandComplete{Tag: tagStr}
		return &d.commandComplete, nil
	case 'I':
		return &d.emptyQueryResponse, nil
	case '1':
		return &d.parseComplete, nil
	case '2':
		return &d.bindComplete, nil
	case 't':
		return d.decodeParameterDescription()
	case 'n':
		return &d.noData, nil
	case '3':
		return &d.closeComplete, nil
	case 's':
		return &d.portalSuspended, nil
	case 'N':
		body, err := d.buf.ReadBytes(bodyLen)
		if err != nil {
			return nil, err
		}
		d.noticeResponse = NoticeResponse{Fields: parseFields(body)}
		return &d.noticeResponse, nil
	case 'A':
		return d.decodeNotification()
	case 'E':
		body, err := d.buf.ReadBytes(bodyLen)
		if err != nil {
			return nil, err
		}
		d.errorResponse = ErrorResponse{Fields: parseFields(body)}
		return &d.errorResponse, nil
	case 'G':
		return d.decodeCopyResponse(&d.copyInResponse)
	case 'H':
		return d.decodeCopyOutResponse()
	case 'W':
		return d.decodeCopyBothResponse()
	case 'd':
		return d.decodeCopyData(bodyLen)
	case 'c':
		return &d.copyDone, nil
	default:
		if err := d.buf.Skip(bodyLen); err != nil {
			return nil, err
		}
		return nil, &ErrUnknownMessageType{Type: tag}
	}
}

func (d *Decoder) decodeAuth(bodyLen int) (BackendMessage, error) {
	kind, err := d.buf.ReadInt32()
	if err != nil {
		return nil, err
	}
	switch kind {
	case AuthTypeOk:
		return &d.authOk, nil
	case AuthTypeCleartextPassword:
		return &d.authCleartext, nil
	case AuthTypeMD5Password:
		salt, err := d.buf.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		copy(d.authMD5.Salt[:], salt)
		return &d.authMD5, nil
	case AuthTypeGSS:
		return &d.authGSS, nil
	case AuthTypeSSPI:
		return &d.authSSPI, nil
	case AuthTypeGSSContinue:
		data, err := d.buf.ReadBytes(bodyLen - 4)
		if err != nil {
			return nil, err
		}
		d.authGSSContinue = AuthenticationGSSContinue{Data: data}
		return &d.authGSSContinue, nil
	case AuthTypeSASL:
		var mechanisms []string
		for {
			s, err := d.buf.ReadNullTerminatedString()
			if err != nil {
				return nil, err
			}
			if s == "" {
				break
			}
			mechanisms = append(mechanisms, s)
		}
		d.authSASL = AuthenticationSASL{Mechanisms: mechanisms}
		return &d.authSASL, nil
	case AuthTypeSASLContinue:
		data, err := d.buf.ReadBytes(bodyLen - 4)
		if err != nil {
			return nil, err
		}
		d.authSASLContinue = AuthenticationSASLContinue{Data: data}
		return &d.authSASLContinue, nil
	case AuthTypeSASLFinal:
		data, err := d.buf.ReadBytes(bodyLen - 4)
		if err != nil {
			return nil, err
		}
		d.authSASLFinal = AuthenticationSASLFinal{Data: data}
		return &d.authSASLFinal, nil
	default:
		if err := d.buf.Skip(bodyLen - 4); err != nil {
			return nil, err
		}
		return nil, &ErrUnknownMessageType{Type: 'R'}
	}
}

func (d *Decoder) decodeRowDescription() (BackendMessage, error) {
	n, err := d.buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	fields := make([]FieldDescription, n)
	for i := range fields {
		name, err := d.buf.ReadNullTerminatedString()
		if err != nil {
			return nil, err
		}
		tableOID, err := d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		attrNum, err := d.buf.ReadInt16()
		if err != nil {
			return nil, err
		}
		typeOID, err := d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		typeSize, err := d.buf.ReadInt16()
		if err != nil {
			return nil, err
		}
		typeMod, err := d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		format, err := d.buf.ReadInt16()
		if err != nil {
			return nil, err
		}
		fields[i] = FieldDescription{
			Name:          name,
			TableOID:      tableOID,
			ColumnAttrNum: attrNum,
			DataTypeOID:   typeOID,
			DataTypeSize:  typeSize,
			TypeModifier:  typeMod,
			FormatCode:    FormatCode(format),
		}
	}
	d.rowDescription = RowDescription{Fields: fields}
	return &d.rowDescription, nil
}

func (d *Decoder) decodeDataRow() (BackendMessage, error) {
	n, err := d.buf.ReadInt16()
	if err != nil {
		return nil, err
	}

	if d.loadingMode == Sequential {
		d.dataRow = DataRow{buf: d.buf, remaining: n}
		return &d.dataRow, nil
	}

	values := make([][]byte, n)
	for i := range values {
		l, err := d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		if l < 0 {
			continue
		}
		if d.loadingMode == Skip {
			if err := d.buf.Skip(int(l)); err != nil {
				return nil, err
			}
			continue
		}
		v, err := d.buf.ReadBytes(int(l))
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	d.dataRow = DataRow{Values: values}
	return &d.dataRow, nil
}

func (d *Decoder) decodeParameterDescription() (BackendMessage, error) {
	n, err := d.buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	oids := make([]int32, n)
	for i := range oids {
		oids[i], err = d.buf.ReadInt32()
		if err != nil {
			return nil, err
		}
	}
	d.paramDescription = ParameterDescription{ParameterOIDs: oids}
	return &d.paramDescription, nil
}

func (d *Decoder) decodeNotification() (BackendMessage, error) {
	pid, err := d.buf.ReadInt32()
	if err != nil {
		return nil, err
	}
	channel, err := d.buf.ReadNullTerminatedString()
	if err != nil {
		return nil, err
	}
	payload, err := d.buf.ReadNullTerminatedString()
	if err != nil {
		return nil, err
	}
	d.notificationResp = NotificationResponse{ProcessID: pid, Channel: channel, Payload: payload}
	return &d.notificationResp, nil
}

func (d *Decoder) readCopyFormats() (FormatCode, []FormatCode, error) {
	format, err := d.buf.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	n, err := d.buf.ReadInt16()
	if err != nil {
		return 0, nil, err
	}
	formats := make([]FormatCode, n)
	for i := range formats {
		f, err := d.buf.ReadInt16()
		if err != nil {
			return 0, nil, err
		}
		formats[i] = FormatCode(f)
	}
	return FormatCode(format), formats, nil
}

func (d *Decoder) decodeCopyResponse(_ *CopyInResponse) (BackendMessage, error) {
	format, formats, err := d.readCopyFormats()
	if err != nil {
		return nil, err
	}
	d.copyInResponse = CopyInResponse{Format: format, ColumnFormats: formats}
	return &d.copyInResponse, nil
}

func (d *Decoder) decodeCopyOutResponse() (BackendMessage, error) {
	format, formats, err := d.readCopyFormats()
	if err != nil {
		return nil, err
	}
	d.copyOutResponse = CopyOutResponse{Format: format, ColumnFormats: formats}
	return &d.copyOutResponse, nil
}

func (d *Decoder) decodeCopyBothResponse() (BackendMessage, error) {
	format, formats, err := d.readCopyFormats()
	if err != nil {
		return nil, err
	}
	d.copyBothResponse = CopyBothResponse{Format: format, ColumnFormats: formats}
	return &d.copyBothResponse, nil
}

func (d *Decoder) decodeCopyData(bodyLen int) (BackendMessage, error) {
	if d.loadingMode == Skip {
		if err := d.buf.Skip(bodyLen); err != nil {
			return nil, err
		}
		d.copyData = CopyData{}
		return &d.copyData, nil
	}
	data, err := d.buf.ReadBytes(bodyLen)
	if err != nil {
		return nil, err
	}
	d.copyData = CopyData{Data: data}
	return &d.copyData, nil
}
