package usb

import (
	"bytes"
	"encoding/binary"
)

// Descriptor lengths in bytes (fixed values from the USB spec).
const (
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	QualifierDescLen = 10
)

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
// WTotalLength is patched by FinishConfig once all interfaces are written.
type ConfigHeader struct {
	WTotalLength        uint16 // LE, patched after building
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(DescTypeConfiguration)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(DescTypeInterface)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(DescTypeEndpoint)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// FinishConfig patches wTotalLength into a built configuration descriptor
// and returns the final bytes.
func FinishConfig(b *bytes.Buffer) []byte {
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// QualifierDescriptor builds the 10-byte device qualifier descriptor for a
// device with one configuration.
func QualifierDescriptor(deviceClass uint8, maxPacket0 uint8) []byte {
	return []byte{
		QualifierDescLen,
		DescTypeQualifier,
		0x00, 0x02, // bcdUSB 2.00
		deviceClass,
		0x00, // bDeviceSubClass
		0x00, // bDeviceProtocol
		maxPacket0,
		0x01, // bNumConfigurations
		0x00, // bReserved
	}
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor
// byte array (bLength, type 0x03, UTF-16LE payload).
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf)) // bLength
	buf[1] = DescTypeString
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}
