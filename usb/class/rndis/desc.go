package rndis

import (
	"bytes"

	"github.com/virtcom/usbgadget/usb"
)

// The comm interface reuses the CDC functional descriptor layout with a
// vendor-specific protocol, which is how hosts recognize RNDIS.
var rndisFunctionalDesc = []byte{
	0x05, 0x24, 0x00, 0x10, 0x01,
	0x05, 0x24, 0x01, 0x00, 0x01,
	0x04, 0x24, 0x02, 0x02,
	0x05, 0x24, 0x06, 0x00, 0x01,
}

func configDescriptor(maxPacket uint16, cmdInterval uint8) []byte {
	var b bytes.Buffer
	usb.ConfigHeader{
		BNumInterfaces:      2,
		BConfigurationValue: 1,
		BMAttributes:        0xC0,
		BMaxPower:           0x32,
	}.Write(&b)
	usb.InterfaceDescriptor{
		BInterfaceNumber:   0,
		BNumEndpoints:      1,
		BInterfaceClass:    0x02, // communication
		BInterfaceSubClass: 0x02,
		BInterfaceProtocol: 0xFF, // vendor specific: RNDIS
	}.Write(&b)
	b.Write(rndisFunctionalDesc)
	usb.EndpointDescriptor{
		BEndpointAddress: CmdEP,
		BMAttributes:     uint8(usb.EndpointInterrupt),
		WMaxPacketSize:   CmdPacketSize,
		BInterval:        cmdInterval,
	}.Write(&b)
	usb.InterfaceDescriptor{
		BInterfaceNumber: 1,
		BNumEndpoints:    2,
		BInterfaceClass:  0x0A, // CDC data
	}.Write(&b)
	usb.EndpointDescriptor{
		BEndpointAddress: OutEP,
		BMAttributes:     uint8(usb.EndpointBulk),
		WMaxPacketSize:   maxPacket,
	}.Write(&b)
	usb.EndpointDescriptor{
		BEndpointAddress: InEP,
		BMAttributes:     uint8(usb.EndpointBulk),
		WMaxPacketSize:   maxPacket,
	}.Write(&b)
	return usb.FinishConfig(&b)
}

var (
	fsConfigDesc  = configDescriptor(FSMaxPacketSize, 0x01)
	hsConfigDesc  = configDescriptor(HSMaxPacketSize, 0x80)
	qualifierDesc = usb.QualifierDescriptor(0x00, 0x40)
)

// ConfigDescriptor returns the 67-byte RNDIS configuration descriptor.
func (r *RNDIS) ConfigDescriptor(speed usb.Speed) []byte {
	if speed == usb.HighSpeed {
		return hsConfigDesc
	}
	return fsConfigDesc
}

// QualifierDescriptor returns the device qualifier descriptor.
func (r *RNDIS) QualifierDescriptor() []byte {
	return qualifierDesc
}
