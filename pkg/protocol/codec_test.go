package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMessage_ReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewConnectCommand(7, "localhost", 9000, "root", "secret")

	err := WriteMessage(&buf, cmd)
	require.NoError(t, err)

	raw, err := ReadMessage(&buf)
	require.NoError(t, err)

	var decoded ConnectCommand
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, cmd, decoded)
}

func TestReadMessage_EOFBetweenMessages(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadMessage_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString(`{"command":`)

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}

func TestReadMessage_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestReadMessage_ZeroLengthFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestKind(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    CommandKind
		wantErr bool
	}{
		{
			name: "connect command",
			raw:  `{"command":"connect","vm_id":1}`,
			want: CmdConnect,
		},
		{
			name: "agent auth command",
			raw:  `{"command":"auth","username":"root"}`,
			want: CmdAuth,
		},
		{
			name:    "missing discriminator",
			raw:     `{"vm_id":1}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := Kind([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestCommandValidation(t *testing.T) {
	ram := 0
	tests := []struct {
		name    string
		cmd     interface{ Validate() error }
		wantErr bool
	}{
		{"valid add_vm", AddVMCommand{RAM: 2, CPU: 1}, false},
		{"zero ram", AddVMCommand{RAM: 0, CPU: 1}, true},
		{"negative cpu", AddVMCommand{RAM: 1, CPU: -1}, true},
		{"bad drive size", AddVMCommand{RAM: 1, CPU: 1, Drives: []HardDrive{{Size: 0}}}, true},
		{"valid update", UpdateSpecsCommand{VMID: 1}, false},
		{"zero ram pointer", UpdateSpecsCommand{VMID: 1, RAM: &ram}, true},
		{"valid connect", NewConnectCommand(0, "h", 1, "u", "p"), false},
		{"connect without host", ConnectCommand{Port: 1}, true},
		{"connect bad port", ConnectCommand{Host: "h", Port: 0}, true},
		{"add_drive zero size", AddDriveCommand{VMID: 1, Size: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
