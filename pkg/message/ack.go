package message

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
)

// Result codes of an acknowledgement
const (
	ResultAccepted = "00"
	ResultRejected = "99"
)

// Acknowledgement is the synchronous answer to a submission
type Acknowledgement struct {
	MessageID  string
	RelatesTo  string
	SubmitID   string
	ResultCode string
	ResultText string
	TimeStamp  time.Time
}

// NewAcknowledgement answers sub with a result code and text
func NewAcknowledgement(sub *Submission, code, resultText string) *Acknowledgement {
	now := time.Now().UTC()
	ack := &Acknowledgement{
		MessageID:  NewMessageID(now),
		ResultCode: code,
		ResultText: resultText,
		TimeStamp:  now,
	}
	if sub != nil {
		ack.RelatesTo = sub.MessageID
		ack.SubmitID = sub.Request.SubmitID
	}
	return ack
}

// Accepted reports whether the submission was accepted
func (a *Acknowledgement) Accepted() bool {
	return a.ResultCode == ResultAccepted
}

// Document renders the acknowledgement envelope
func (a *Acknowledgement) Document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("s:Envelope")
	declare(env, "s", "wsa", "kec")
	header := env.CreateElement("s:Header")
	header.CreateElement("wsa:MessageID").SetText(a.MessageID)
	if a.RelatesTo != "" {
		header.CreateElement("wsa:RelatesTo").SetText(a.RelatesTo)
	}
	mh := header.CreateElement("kec:MessageHeader")
	mh.CreateElement("kec:Version").SetText(ProtocolVersion)
	mh.CreateElement("kec:TimeStamp").SetText(FormatTimestamp(a.TimeStamp))

	resp := env.CreateElement("s:Body").CreateElement("kec:ResponseMessage")
	resp.CreateElement("kec:SubmitID").SetText(a.SubmitID)
	resp.CreateElement("kec:ResultCode").SetText(a.ResultCode)
	resp.CreateElement("kec:ResultMessage").SetText(a.ResultText)
	return doc
}

// ParseAcknowledgement reads an acknowledgement envelope
func ParseAcknowledgement(data []byte) (*Acknowledgement, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSubmission, err)
	}
	env := doc.Root()
	if env == nil || env.Tag != "Envelope" || env.NamespaceURI() != NsSOAPEnv {
		return nil, fmt.Errorf("%w: not a SOAP envelope", ErrNotSubmission)
	}
	header := child(env, NsSOAPEnv, "Header")
	body, err := requireChild(env, NsSOAPEnv, "Body")
	if err != nil {
		return nil, err
	}
	resp, err := requireChild(body, NsKEC, "ResponseMessage")
	if err != nil {
		return nil, err
	}

	ack := &Acknowledgement{
		MessageID:  text(child(header, NsAddressing, "MessageID")),
		RelatesTo:  text(child(header, NsAddressing, "RelatesTo")),
		SubmitID:   text(child(resp, NsKEC, "SubmitID")),
		ResultCode: text(child(resp, NsKEC, "ResultCode")),
		ResultText: text(child(resp, NsKEC, "ResultMessage")),
	}
	if ts := text(child(child(header, NsKEC, "MessageHeader"), NsKEC, "TimeStamp")); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ack.TimeStamp = t
		}
	}
	return ack, nil
}
