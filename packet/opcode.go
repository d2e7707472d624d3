package packet

type Opcode int32

const (
	OpcodeLogin           Opcode = 0
	OpcodeLoginPassword   Opcode = 1 // decoded as a plain Login, passwords are not part of this protocol
	OpcodeLoginAccepted   Opcode = 2
	OpcodeLoginRefused    Opcode = 3
	OpcodePublicMessage   Opcode = 4
	OpcodeFusionInit      Opcode = 8
	OpcodeFusionAck       Opcode = 9
	OpcodeFusionNameClash Opcode = 11
	OpcodeFusionRedirect  Opcode = 14
	OpcodeFusionJoin      Opcode = 15
)

func (o Opcode) String() string {
	switch o {
	case OpcodeLogin:
		return "Login"
	case OpcodeLoginPassword:
		return "Login Password"
	case OpcodeLoginAccepted:
		return "Login Accepted"
	case OpcodeLoginRefused:
		return "Login Refused"
	case OpcodePublicMessage:
		return "Public Message"
	case OpcodeFusionInit:
		return "Fusion Init"
	case OpcodeFusionAck:
		return "Fusion Ack"
	case OpcodeFusionNameClash:
		return "Fusion Name Clash"
	case OpcodeFusionRedirect:
		return "Fusion Redirect"
	case OpcodeFusionJoin:
		return "Fusion Join"
	default:
		return "Unknown Opcode"
	}
}
