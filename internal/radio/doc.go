// Package radio connects the gateway to its ESP-NOW receiver dongle.
//
// An ESP32 running the receiver firmware listens for ESP-NOW frames and
// forwards each one over UART. Link reads that stream, decodes frames and
// hands them to a ReceiveFunc (normally espnow.Bridge.Receive).
//
// Wire format:
//
//	0xE5 0x4E | len (uint16 BE) | mac (6) | kind (1) | payload (len-7)
//
// The reader resynchronises on the header after line noise, and reopens the
// port after I/O errors so a replugged dongle is picked up without a restart.
package radio
