/*
Package iso7816 implements data structures and logic to interact with smart cards according to the ISO/IEC 7816 standard.

This package provides the fundamental building blocks for APDU (Application Protocol Data Unit) communication: Command and Response structures, Status Word (SW) analysis, the short and extended length encodings, and the Client that turns a raw Transmitter into an APDU processor.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions.

# Processors

Anything that sends one logical command and returns one logical response is a
Processor. The Client is the plain one; secure channel sessions wrap a Client
and implement the same interface, so application code does not change once a
channel is established.

# Usage Example: Selecting an Application

	client := iso7816.NewClient(card, iso7816.WithEncoding(iso7816.ExtendedEncoding{MaxAPDUSize: 2048}))

	cls, _ := iso7816.NewClass(0x00)
	resp, err := client.SendAPDU(iso7816.SelectByAID(cls, aid))
	if err != nil {
	    log.Fatal(err) // transport, framing or malformed response
	}

	// Response chaining (61XX) is already resolved: resp.Data holds the full payload.
	if resp.Status != iso7816.SW_NO_ERROR {
	    log.Printf("selection failed: %s", resp.Status.Verbose())
	}
*/
package iso7816
