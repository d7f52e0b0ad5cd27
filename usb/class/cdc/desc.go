package cdc

import (
	"bytes"

	"github.com/virtcom/usbgadget/usb"
)

// acmFunctionalDesc are the class-specific functional descriptors of the
// communication interface: header (bcdCDC 1.10), call management (no call
// handling), ACM capabilities (line coding and serial state) and the union
// binding the communication interface to the data interface.
var acmFunctionalDesc = []byte{
	0x05, 0x24, 0x00, 0x10, 0x01,
	0x05, 0x24, 0x01, 0x00, 0x01,
	0x04, 0x24, 0x02, 0x02,
	0x05, 0x24, 0x06, 0x00, 0x01,
}

func configDescriptor(maxPacket uint16) []byte {
	var b bytes.Buffer
	usb.ConfigHeader{
		BNumInterfaces:      2,
		BConfigurationValue: 1,
		BMAttributes:        0xC0, // self powered
		BMaxPower:           0x32, // 100 mA
	}.Write(&b)
	usb.InterfaceDescriptor{
		BInterfaceNumber:   0,
		BNumEndpoints:      1,
		BInterfaceClass:    0x02, // communication
		BInterfaceSubClass: 0x02, // abstract control model
		BInterfaceProtocol: 0x01, // AT commands
	}.Write(&b)
	b.Write(acmFunctionalDesc)
	usb.EndpointDescriptor{
		BEndpointAddress: CmdEP,
		BMAttributes:     uint8(usb.EndpointInterrupt),
		WMaxPacketSize:   CmdPacketSize,
		BInterval:        0x10,
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
	fsConfigDesc  = configDescriptor(FSMaxPacketSize)
	hsConfigDesc  = configDescriptor(HSMaxPacketSize)
	qualifierDesc = usb.QualifierDescriptor(0x00, 0x40)
)
