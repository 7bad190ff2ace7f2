package room

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// codeAttempts bounds collision retries during allocation. With a 6-digit
// space and bounded concurrent rooms, exhausting it is practically
// unreachable.
const codeAttempts = 10000

var codeSpace = big.NewInt(1000000)

func randomCode() string {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		// crypto/rand failure means the process is in no state to serve.
		panic(fmt.Sprintf("room code generation: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}
