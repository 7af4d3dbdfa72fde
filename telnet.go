package main

import "bytes"

const (
	telnetSE   = 240
	telnetGA   = 249
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255
)

// TelnetEventKind tells the bridge what to do with an event's payload.
type TelnetEventKind int

const (
	// DataReceive carries application data for the client.
	DataReceive TelnetEventKind = iota
	// DataSend carries bytes that must be written to the remote.
	DataSend
)

type TelnetEvent struct {
	Kind TelnetEventKind
	Data []byte
}

type telnetState int

const (
	stateData telnetState = iota
	stateIAC
	stateOption // after WILL/WONT/DO/DONT, waiting for the option byte
	stateSB
	stateSBIAC
)

// TelnetParser decodes a Telnet byte stream into events. It keeps its state
// between calls so a command split across two reads is still recognised.
// Every option the remote offers or asks for is refused.
type TelnetParser struct {
	state telnetState
	cmd   byte
}

func NewTelnetParser() *TelnetParser {
	return &TelnetParser{}
}

// Receive consumes data read from the remote and returns the resulting events
// in stream order.
func (p *TelnetParser) Receive(data []byte) []TelnetEvent {
	var events []TelnetEvent
	var text []byte

	flush := func() {
		if len(text) > 0 {
			events = append(events, TelnetEvent{Kind: DataReceive, Data: text})
			text = nil
		}
	}

	for _, b := range data {
		switch p.state {
		case stateData:
			if b == telnetIAC {
				p.state = stateIAC
			} else {
				text = append(text, b)
			}
		case stateIAC:
			switch b {
			case telnetIAC:
				// Escaped 0xFF
				text = append(text, telnetIAC)
				p.state = stateData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				p.cmd = b
				p.state = stateOption
			case telnetSB:
				p.state = stateSB
			default:
				// GA, NOP and friends carry nothing for us
				p.state = stateData
			}
		case stateOption:
			if reply := refuseOption(p.cmd, b); reply != nil {
				flush()
				events = append(events, TelnetEvent{Kind: DataSend, Data: reply})
			}
			p.state = stateData
		case stateSB:
			if b == telnetIAC {
				p.state = stateSBIAC
			}
		case stateSBIAC:
			if b == telnetSE {
				p.state = stateData
			} else {
				p.state = stateSB
			}
		}
	}
	flush()
	return events
}

// refuseOption answers an offer or request for an option we do not support.
// WONT and DONT need no answer since the option is already off on our side.
func refuseOption(cmd, option byte) []byte {
	switch cmd {
	case telnetWILL:
		return []byte{telnetIAC, telnetDONT, option}
	case telnetDO:
		return []byte{telnetIAC, telnetWONT, option}
	}
	return nil
}

// SendText encodes a line typed by the client: 0xFF is escaped and CRLF appended.
func (p *TelnetParser) SendText(text string) TelnetEvent {
	line := append([]byte(text), '\r', '\n')
	escaped := bytes.ReplaceAll(line, []byte{telnetIAC}, []byte{telnetIAC, telnetIAC})
	return TelnetEvent{Kind: DataSend, Data: escaped}
}
