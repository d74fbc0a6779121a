package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// rawABI is the AmigoChat contract interface. The contract is an external,
// append-only, authoritative log; only its call/event surface matters here.
const rawABI = `[
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"registrationFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"registerBoomerUser","stateMutability":"payable","inputs":[{"name":"boomerName","type":"string"},{"name":"ipfsImageHash","type":"string"}],"outputs":[]},
  {"type":"function","name":"isRegisteredBoomerUser","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getBoomerProfile","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"boomerName","type":"string"},{"name":"ipfsImageHash","type":"string"},{"name":"registrationTime","type":"uint256"},{"name":"isOnline","type":"bool"}]},
  {"type":"function","name":"getBoomerUserByName","stateMutability":"view","inputs":[{"name":"boomerName","type":"string"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"sendGroupMessage","stateMutability":"nonpayable","inputs":[{"name":"message","type":"string"}],"outputs":[]},
  {"type":"function","name":"sendDirectMessage","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"message","type":"string"}],"outputs":[]},
  {"type":"function","name":"getGroupMessages","stateMutability":"view","inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"senders","type":"address[]"},{"name":"messages","type":"string[]"},{"name":"timestamps","type":"uint256[]"},{"name":"messageIds","type":"uint256[]"}]},
  {"type":"function","name":"getDirectMessages","stateMutability":"view","inputs":[{"name":"otherUser","type":"address"},{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"senders","type":"address[]"},{"name":"messages","type":"string[]"},{"name":"timestamps","type":"uint256[]"},{"name":"messageIds","type":"uint256[]"}]},
  {"type":"function","name":"getAllRegisteredUsers","stateMutability":"view","inputs":[],"outputs":[{"name":"users","type":"address[]"},{"name":"boomerNames","type":"string[]"},{"name":"imageHashes","type":"string[]"},{"name":"onlineStatuses","type":"bool[]"}]},
  {"type":"function","name":"isBoomerNameAvailable","stateMutability":"view","inputs":[{"name":"boomerName","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"updateProfileImage","stateMutability":"nonpayable","inputs":[{"name":"newIpfsImageHash","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateOnlineStatus","stateMutability":"nonpayable","inputs":[{"name":"isOnline","type":"bool"}],"outputs":[]},
  {"type":"function","name":"getUserCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getGroupMessageCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getDirectMessageCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BoomerUserRegistered","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"boomerName","type":"string","indexed":false},{"name":"ipfsImageHash","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"GroupMessageSent","anonymous":false,"inputs":[{"name":"sender","type":"address","indexed":true},{"name":"message","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false},{"name":"messageId","type":"uint256","indexed":false}]},
  {"type":"event","name":"DirectMessageSent","anonymous":false,"inputs":[{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"message","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false},{"name":"messageId","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProfileImageUpdated","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"oldImageHash","type":"string","indexed":false},{"name":"newImageHash","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"UserOnlineStatusChanged","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"isOnline","type":"bool","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

// Event names as emitted by the contract.
const (
	evtUserRegistered = "BoomerUserRegistered"
	evtGroupMessage   = "GroupMessageSent"
	evtDirectMessage  = "DirectMessageSent"
	evtProfileImage   = "ProfileImageUpdated"
	evtOnlineStatus   = "UserOnlineStatusChanged"
)

var contractABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
