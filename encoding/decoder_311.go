package encoding

import "io"

// MQTT 3.1.1 Packet Decoders
// These mirror the Encode methods in encoder_311.go field for field; each
// Decode reads the variable header and payload that follow an already
// parsed FixedHeader.

// Decode reads an MQTT 3.1.1 CONNACK packet body. fh must already have been
// parsed by ParseFixedHeader311.
func (p *ConnackPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh

	ackFlags, err := readByte(r)
	if err != nil {
		return err
	}
	p.SessionPresent = ackFlags&0x01 != 0

	returnCode, err := readByte(r)
	if err != nil {
		return err
	}
	p.ReturnCode = returnCode

	return nil
}

// DecodeConnackPacket311FromBytes parses a CONNACK body out of data,
// returning the packet and the number of bytes consumed.
func DecodeConnackPacket311FromBytes(data []byte, fh *FixedHeader) (*ConnackPacket311, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrUnexpectedEOF
	}
	return &ConnackPacket311{
		FixedHeader:    *fh,
		SessionPresent: data[0]&0x01 != 0,
		ReturnCode:     data[1],
	}, 2, nil
}

// Decode reads an MQTT 3.1.1 PUBLISH packet body.
func (p *PublishPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh

	topicName, err := readUTF8String(r)
	if err != nil {
		return err
	}
	p.TopicName = topicName

	remaining := fh.RemainingLength - uint32(2+len(topicName))

	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(r)
		if err != nil {
			return err
		}
		p.PacketID = packetID
		remaining -= 2
	}

	if remaining > 0 {
		buf := make([]byte, remaining)
		if _, err := io.ReadFull(r, buf); err != nil {
			return ErrUnexpectedEOF
		}
		p.Payload = buf
	}

	return nil
}

// Decode reads an MQTT 3.1.1 PUBACK packet body.
func (p *PubackPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	p.PacketID = packetID
	return nil
}

// Decode reads an MQTT 3.1.1 PUBREC packet body.
func (p *PubrecPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	p.PacketID = packetID
	return nil
}

// Decode reads an MQTT 3.1.1 PUBREL packet body.
func (p *PubrelPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	p.PacketID = packetID
	return nil
}

// Decode reads an MQTT 3.1.1 PUBCOMP packet body.
func (p *PubcompPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	p.PacketID = packetID
	return nil
}

// Decode reads an MQTT 3.1.1 SUBACK packet body.
func (p *SubackPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	p.PacketID = packetID

	remaining := fh.RemainingLength - 2
	if remaining > 0 {
		buf := make([]byte, remaining)
		if _, err := io.ReadFull(r, buf); err != nil {
			return ErrUnexpectedEOF
		}
		p.ReturnCodes = buf
	}

	return nil
}

// Decode reads an MQTT 3.1.1 UNSUBACK packet body.
func (p *UnsubackPacket311) Decode(r io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return err
	}
	p.PacketID = packetID
	return nil
}

// Decode reads an MQTT 3.1.1 DISCONNECT packet body. DISCONNECT carries no
// variable header or payload in 3.1.1.
func (p *DisconnectPacket311) Decode(_ io.Reader, fh *FixedHeader) error {
	p.FixedHeader = *fh
	return nil
}
