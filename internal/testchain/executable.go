package testchain

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/beacon"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// Executable is a chain of signed transactions that re-executes to the
// recorded state roots. Block 1 deploys two contracts; every later block
// calls them.
type Executable struct {
	Genesis  *core.Genesis
	Blocks   []*types.Block // genesis first
	Receipts []types.Receipts

	Key    *ecdsa.PrivateKey
	Sender common.Address

	// Power raises 2 to the 256th power and stores the result in memory.
	Power common.Address

	// Caller forwards all its gas to Power.
	Caller common.Address
}

// TxGas is the gas limit of every generated transaction.
const TxGas = 200_000

// PowerCode is the runtime code deployed at Executable.Power.
var PowerCode = []byte{
	byte(vm.PUSH2), 0x01, 0x00,
	byte(vm.PUSH1), 0x02,
	byte(vm.EXP),
	byte(vm.PUSH1), 0x00,
	byte(vm.MSTORE),
	byte(vm.STOP),
}

func callerCode(target common.Address) []byte {
	code := []byte{
		byte(vm.PUSH1), 0, // out size
		byte(vm.PUSH1), 0, // out offset
		byte(vm.PUSH1), 0, // in size
		byte(vm.PUSH1), 0, // in offset
		byte(vm.PUSH1), 0, // value
		byte(vm.PUSH20),
	}
	code = append(code, target.Bytes()...)
	return append(code, byte(vm.GAS), byte(vm.CALL), byte(vm.POP), byte(vm.STOP))
}

// deployCode wraps runtime code in init code returning it.
func deployCode(runtime []byte) []byte {
	n := byte(len(runtime))
	init := []byte{
		byte(vm.PUSH1), n,
		byte(vm.PUSH1), 12,
		byte(vm.PUSH1), 0,
		byte(vm.CODECOPY),
		byte(vm.PUSH1), n,
		byte(vm.PUSH1), 0,
		byte(vm.RETURN),
	}
	return append(init, runtime...)
}

// GenerateExecutable creates n blocks on top of a funded genesis, n >= 1.
func GenerateExecutable(n int) *Executable {
	key, _ := crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	sender := crypto.PubkeyToAddress(key.PublicKey)
	c := &Executable{
		Key:    key,
		Sender: sender,
		Power:  crypto.CreateAddress(sender, 0),
		Caller: crypto.CreateAddress(sender, 1),
		Genesis: &core.Genesis{
			Config:     params.TestChainConfig,
			GasLimit:   GasLimit,
			Timestamp:  GenesisTime,
			Difficulty: new(big.Int).Set(params.GenesisDifficulty),
			BaseFee:    big.NewInt(params.InitialBaseFee),
			Alloc: types.GenesisAlloc{
				sender: {Balance: new(big.Int).Mul(big.NewInt(params.Ether), big.NewInt(100))},
			},
		},
	}
	signer := types.LatestSigner(c.Genesis.Config)
	engine := beacon.New(ethash.NewFaker())

	_, blocks, receipts := core.GenerateChainWithGenesis(c.Genesis, engine, n, func(i int, gen *core.BlockGen) {
		send := func(to *common.Address, value int64, data []byte) {
			gen.AddTx(types.MustSignNewTx(key, signer, &types.LegacyTx{
				Nonce:    gen.TxNonce(sender),
				GasPrice: gen.BaseFee(),
				Gas:      TxGas,
				To:       to,
				Value:    big.NewInt(value),
				Data:     data,
			}))
		}
		if i == 0 {
			send(nil, 0, deployCode(PowerCode))
			send(nil, 0, deployCode(callerCode(c.Power)))
			to := common.HexToAddress("0xbeef")
			send(&to, 1, nil)
			return
		}
		send(&c.Caller, 0, nil)
		send(&c.Power, 0, nil)
	})

	c.Blocks = append([]*types.Block{c.Genesis.ToBlock()}, blocks...)
	c.Receipts = append([]types.Receipts{{}}, receipts...)
	return c
}
